// Copyright The Gator Authors
// SPDX-License-Identifier: Apache-2.0

// Package pidwatch watches a set of pids and reports when all of them have
// exited. Liveness is polled once per second; polling keeps the daemon
// working on legacy kernels without pidfd support.
package pidwatch

import (
	"time"

	"github.com/shirou/gopsutil/v3/process"
	log "github.com/sirupsen/logrus"

	"github.com/juitem/gator/xsync"
)

// pollInterval is the time between liveness sweeps.
const pollInterval = time.Second

// Watcher owns a mutable pid set and a goroutine pruning it.
type Watcher struct {
	pids    map[int]struct{}
	waiter  *xsync.Waiter
	onEmpty func()
	done    chan struct{}

	// alive is overridable for tests.
	alive func(pid int) bool
}

// New creates a watcher over pids. When the set drains, onEmpty is invoked
// exactly once. The waiter cancels the watcher early.
func New(pids []int, waiter *xsync.Waiter, onEmpty func()) *Watcher {
	set := make(map[int]struct{}, len(pids))
	for _, pid := range pids {
		set[pid] = struct{}{}
	}
	return &Watcher{
		pids:    set,
		waiter:  waiter,
		onEmpty: onEmpty,
		done:    make(chan struct{}),
		alive:   pidAlive,
	}
}

func pidAlive(pid int) bool {
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		// Treat lookup failures as still-alive so a transient /proc
		// hiccup cannot end the session.
		return true
	}
	return exists
}

// Start spawns the watch goroutine.
func (w *Watcher) Start() {
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.done)

	for len(w.pids) > 0 {
		if !w.waiter.WaitFor(pollInterval) {
			log.Debug("Exit watch pids thread by request")
			return
		}

		for pid := range w.pids {
			if !w.alive(pid) {
				log.Debugf("pid %d exited", pid)
				delete(w.pids, pid)
			}
		}
	}

	log.Debug("All watched processes have exited")
	w.onEmpty()
}

// Join blocks until the watch goroutine has exited.
func (w *Watcher) Join() {
	<-w.done
}
