// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

// Package capture manages the local capture directory: creation, copied
// image artifacts, the teardown XML documents and fault-path removal. The
// directory is only ever left behind complete; an incomplete capture is
// removed recursively.
package capture

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// CreateDir creates the capture directory. A pre-existing directory from an
// earlier aborted run is replaced.
func CreateDir(path string) error {
	if _, err := os.Stat(path); err == nil {
		log.Debugf("Removing stale capture directory %s", path)
		if err := RemoveDir(path); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("unable to create capture directory %s: %v", path, err)
	}
	return nil
}

// RemoveDir removes the capture directory and all of its contents.
func RemoveDir(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("unable to remove capture directory %s: %v", path, err)
	}
	return nil
}

// CopyImages copies the configured image artifacts into the capture
// directory so the analyzer can resolve symbols offline. Missing images
// warn; they do not fault the capture.
func CopyImages(images []string, dir string) {
	for _, image := range images {
		if err := copyFile(image, filepath.Join(dir, filepath.Base(image))); err != nil {
			log.Warnf("Unable to copy image %s: %v", image, err)
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
