// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/juitem/gator/agent"
)

// Info describes a finished capture for the captured-configuration document.
type Info struct {
	SampleRate   int
	Spes         []agent.CapturedSpe
	DataDigest   string
	CreatedAt    time.Time
	CommandLine  []string
	CoreCount    int
	CompressData bool
}

type capturedXML struct {
	XMLName    xml.Name      `xml:"captured"`
	Version    int           `xml:"version,attr"`
	Target     capturedInfo  `xml:"target"`
	Session    sessionInfo   `xml:"session"`
	Spes       []capturedSpe `xml:"spe"`
	DataDigest string        `xml:"data_digest,attr,omitempty"`
}

type capturedInfo struct {
	Arch       string `xml:"arch,attr"`
	Cores      int    `xml:"cores,attr"`
	SampleRate int    `xml:"sample_rate,attr"`
}

type sessionInfo struct {
	UUID    string `xml:"uuid,attr"`
	Created string `xml:"created,attr"`
	Command string `xml:"command,attr,omitempty"`
}

type capturedSpe struct {
	ID  string `xml:"id,attr"`
	Key int    `xml:"key,attr"`
}

type countersXML struct {
	XMLName  xml.Name     `xml:"counters"`
	Counters []counterXML `xml:"counter"`
}

type counterXML struct {
	Name   string `xml:"name,attr"`
	Key    int    `xml:"key,attr"`
	Event  int    `xml:"event,attr,omitempty"`
	Driver string `xml:"driver,attr"`
}

// CapturedFileName and CountersFileName are the teardown documents of a
// completed local capture.
const (
	CapturedFileName = "captured.xml"
	CountersFileName = "counters.xml"
)

// WriteCapturedXML emits the captured-configuration document.
func WriteCapturedXML(dir string, info Info) error {
	doc := capturedXML{
		Version: 1,
		Target: capturedInfo{
			Arch:       runtime.GOARCH,
			Cores:      info.CoreCount,
			SampleRate: info.SampleRate,
		},
		Session: sessionInfo{
			UUID:    uuid.NewString(),
			Created: info.CreatedAt.UTC().Format(time.RFC3339),
			Command: commandString(info.CommandLine),
		},
		DataDigest: info.DataDigest,
	}
	for _, spe := range info.Spes {
		doc.Spes = append(doc.Spes, capturedSpe{ID: spe.ID, Key: spe.Key})
	}
	return writeXML(filepath.Join(dir, CapturedFileName), doc)
}

// WriteCountersXML emits the enabled counter catalog.
func WriteCountersXML(dir string, counters []*agent.Counter) error {
	doc := countersXML{}
	for _, c := range counters {
		if !c.Enabled {
			continue
		}
		doc.Counters = append(doc.Counters, counterXML{
			Name:   c.Name,
			Key:    c.Key,
			Event:  c.Event,
			Driver: c.Driver().Name(),
		})
	}
	return writeXML(filepath.Join(dir, CountersFileName), doc)
}

func writeXML(path string, doc any) error {
	raw, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("unable to marshal %s: %v", filepath.Base(path), err)
	}
	raw = append([]byte(xml.Header), raw...)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("unable to write %s: %v", path, err)
	}
	return nil
}

func commandString(argv []string) string {
	out := ""
	for i, arg := range argv {
		if i > 0 {
			out += " "
		}
		out += arg
	}
	return out
}
