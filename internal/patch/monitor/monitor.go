// Package monitor watches user patch targets for process churn: every
// time a watched ELF's containing directory reports an exec-adjacent
// event, the monitor re-runs a caller-supplied callback so newly
// started processes pick up already-active user patches. Grounded on
// the original's patch/driver/upatch/monitor.rs (referenced from
// mod.rs but not part of this retrieval; behavior inferred from its
// call sites: watch_file/ignore_file take a target ELF path, and the
// callback fires on new-process events for that target) and the
// teacher's oom monitor background-worker shape
// (core/metrics/cgroups/v1/oom.go), reworked from epoll onto
// fsnotify since IN_OPEN is not exposed by that library.
package monitor

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/containerd/log"
)

// Callback is invoked with the target ELF path whenever its directory
// reports activity worth re-scanning for new processes.
type Callback func(targetELF string)

// Monitor watches the directories containing patched target ELFs and
// invokes callback when a watched file's directory changes.
type Monitor struct {
	watcher  *fsnotify.Watcher
	callback Callback

	mu       sync.Mutex
	targets  map[string]struct{} // target ELF paths currently watched
	dirRefs  map[string]int      // directory -> number of watched targets within it
}

// New creates a Monitor and starts its background event loop. Cancel
// ctx to stop the loop and close the underlying watcher.
func New(ctx context.Context, callback Callback) (*Monitor, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		watcher:  w,
		callback: callback,
		targets:  make(map[string]struct{}),
		dirRefs:  make(map[string]int),
	}
	go m.run(ctx)
	return m, nil
}

// WatchFile starts watching targetELF's containing directory. Safe to
// call more than once for files that share a directory; the directory
// is only added to the underlying watcher on the first reference.
func (m *Monitor) WatchFile(targetELF string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.targets[targetELF]; ok {
		return nil
	}

	dir := filepath.Dir(targetELF)
	if m.dirRefs[dir] == 0 {
		if err := m.watcher.Add(dir); err != nil {
			return err
		}
	}
	m.dirRefs[dir]++
	m.targets[targetELF] = struct{}{}
	return nil
}

// IgnoreFile stops watching targetELF; the directory watch is dropped
// once no other watched target shares it.
func (m *Monitor) IgnoreFile(targetELF string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.targets[targetELF]; !ok {
		return nil
	}
	delete(m.targets, targetELF)

	dir := filepath.Dir(targetELF)
	m.dirRefs[dir]--
	if m.dirRefs[dir] <= 0 {
		delete(m.dirRefs, dir)
		return m.watcher.Remove(dir)
	}
	return nil
}

// Close stops the watcher.
func (m *Monitor) Close() error {
	return m.watcher.Close()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.G(ctx).WithError(err).Warn("patch target monitor watch error")
		}
	}
}

// handleEvent re-scans every watched target inside the event's
// directory. fsnotify cannot report IN_OPEN per-inode (the library
// only exposes directory-entry events), so any event of any kind under
// a watched directory is treated as "a target in this directory may
// have new processes."
func (m *Monitor) handleEvent(event fsnotify.Event) {
	dir := filepath.Dir(event.Name)

	m.mu.Lock()
	var affected []string
	for target := range m.targets {
		if filepath.Dir(target) == dir {
			affected = append(affected, target)
		}
	}
	m.mu.Unlock()

	for _, target := range affected {
		m.callback(target)
	}
}
