// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// sessionXML mirrors the analyzer's session file. The format is fixed by the
// analyzer protocol, so it stays XML.
type sessionXML struct {
	XMLName           xml.Name `xml:"session"`
	Version           int      `xml:"version,attr"`
	SampleRate        string   `xml:"sample_rate,attr"`
	Duration          int      `xml:"duration,attr"`
	CaptureWorkingDir string   `xml:"capture_working_dir,attr"`
	CaptureCommand    string   `xml:"capture_command,attr"`
	StopOnExit        string   `xml:"stop_gator,attr"`
}

// sampleRateHz maps the analyzer's symbolic sample rates to Hz.
var sampleRateHz = map[string]int{
	"high":   10007,
	"normal": 1009,
	"low":    101,
	"none":   0,
}

// ApplySessionXML parses a session document and folds its settings into the
// configuration. Settings already fixed on the config (nonzero duration, an
// explicit command) win over the document.
func ApplySessionXML(cfg *SessionConfig, doc []byte) error {
	var parsed sessionXML
	if err := xml.Unmarshal(doc, &parsed); err != nil {
		return fmt.Errorf("invalid session xml: %v", err)
	}

	if cfg.Duration == 0 && parsed.Duration > 0 {
		cfg.Duration = time.Duration(parsed.Duration) * time.Second
	}
	if cfg.SampleRate == 0 && parsed.SampleRate != "" {
		if hz, ok := sampleRateHz[parsed.SampleRate]; ok {
			cfg.SampleRate = hz
		} else {
			return fmt.Errorf("unknown sample_rate %q", parsed.SampleRate)
		}
	}
	if len(cfg.CaptureCommand) == 0 && parsed.CaptureCommand != "" {
		cfg.CaptureCommand = strings.Fields(parsed.CaptureCommand)
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = parsed.CaptureWorkingDir
	}
	if parsed.StopOnExit == "yes" {
		cfg.StopOnExit = true
	}
	return nil
}
