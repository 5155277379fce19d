// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

// Package procpoll polls the process table for pids belonging to a named
// command. It is used to delay capture until a process of interest appears.
package procpoll

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	lru "github.com/elastic/go-freelru"
	"github.com/zeebo/xxh3"
)

// commCacheSize bounds the pid -> command-name cache. Sized for a busy
// system's process table.
const commCacheSize = 4096

func hashPid(pid uint32) uint32 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], pid)
	return uint32(xxh3.Hash(buf[:]))
}

// Poller scans the process table for processes matching a command name. The
// name matches either the kernel comm value or the basename of the first
// cmdline argument.
type Poller struct {
	command  string
	procPath string
	comms    *lru.SyncedLRU[uint32, string]
}

// New creates a poller for the given command name.
func New(command string) (*Poller, error) {
	comms, err := lru.NewSynced[uint32, string](commCacheSize, hashPid)
	if err != nil {
		return nil, err
	}
	return &Poller{
		command:  command,
		procPath: "/proc",
		comms:    comms,
	}, nil
}

// ListPids returns all numeric entries of the process table.
func (p *Poller) ListPids() []int {
	entries, err := os.ReadDir(p.procPath)
	if err != nil {
		return nil
	}
	pids := make([]int, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

// commandName returns the process name for pid, consulting the cache first.
func (p *Poller) commandName(pid int) string {
	if name, ok := p.comms.Get(uint32(pid)); ok {
		return name
	}

	name := ""
	if comm, err := os.ReadFile(
		filepath.Join(p.procPath, strconv.Itoa(pid), "comm")); err == nil {
		name = strings.TrimSpace(string(comm))
	}
	if cmdline, err := os.ReadFile(
		filepath.Join(p.procPath, strconv.Itoa(pid), "cmdline")); err == nil {
		if argv0, _, _ := strings.Cut(string(cmdline), "\x00"); argv0 != "" {
			// A renamed comm still matches by executable path.
			base := filepath.Base(argv0)
			if base == p.command || argv0 == p.command {
				name = p.command
			} else if name == "" {
				name = base
			}
		}
	}
	if name != "" {
		p.comms.Add(uint32(pid), name)
	}
	return name
}

// Poll adds the pids of all currently matching processes to out and reports
// whether at least one was found.
func (p *Poller) Poll(out map[int]struct{}) bool {
	found := false
	for _, pid := range p.ListPids() {
		name := p.commandName(pid)
		if name == p.command || name == filepath.Base(p.command) {
			out[pid] = struct{}{}
			found = true
		}
	}
	return found
}
