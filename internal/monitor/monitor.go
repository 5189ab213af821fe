// Package monitor watches the audit database file for out-of-band
// writes and triggers automatic chain verification.
//
// The audit log is append-only at the application layer, but nothing
// stops another process (or a person with file access) from editing the
// SQLite file directly. The monitor uses fsnotify to notice such writes:
// a file event that cannot be attributed to the running service's own
// appends schedules a debounced Verify, and any finding is reported
// through a callback. This is detection support, not prevention.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/casetrace/casetrace/internal/audit"
)

// ownWriteGrace is how recently a local append must have happened for a
// file event to be attributed to the service itself rather than to an
// external writer.
const ownWriteGrace = 2 * time.Second

// Options configures a Monitor.
type Options struct {
	// Debounce is the quiet period after the last suspicious event
	// before verification runs. Coalesces bursts of file events from a
	// single external edit.
	Debounce time.Duration

	// OnFinding fires when an automatic verification reports a broken
	// chain. Optional; findings are always logged.
	OnFinding func(audit.VerifyResult)
}

// Monitor watches a log's database file in a background goroutine.
// Call Close to stop it.
type Monitor struct {
	log       *audit.Log
	fsWatcher *fsnotify.Watcher
	opts      Options
	watched   map[string]bool
	done      chan struct{}
}

// New starts watching the directory containing dbPath. The SQLite main
// file and its -wal/-shm companions all count as the database.
func New(dbPath string, log *audit.Log, opts Options) (*Monitor, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	// Watch the parent directory: SQLite replaces the -wal file rather
	// than always writing in place, so watching the file alone misses
	// events.
	dir := filepath.Dir(dbPath)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	base := filepath.Base(dbPath)
	m := &Monitor{
		log:       log,
		fsWatcher: fw,
		opts:      opts,
		watched: map[string]bool{
			base:          true,
			base + "-wal": true,
			base + "-shm": true,
		},
		done: make(chan struct{}),
	}

	go m.processEvents()

	slog.Info("tamper monitor started", "db", dbPath, "debounce", opts.Debounce)
	return m, nil
}

// processEvents reads fsnotify events and schedules verification after
// external writes. Runs until Close is called.
func (m *Monitor) processEvents() {
	// The timer is created stopped; it is re-armed by each suspicious
	// event and firing it runs one verification.
	timer := time.NewTimer(m.opts.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case event, ok := <-m.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !m.watched[filepath.Base(event.Name)] {
				continue
			}
			// Events caused by our own appends arrive within moments of
			// the append; anything else is an external writer.
			if time.Since(m.log.LastAppend()) < ownWriteGrace {
				continue
			}
			slog.Warn("external write to audit database detected", "file", event.Name, "op", event.Op.String())
			timer.Reset(m.opts.Debounce)

		case <-timer.C:
			m.runVerification()

		case err, ok := <-m.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("tamper monitor watcher error", "error", err)

		case <-m.done:
			return
		}
	}
}

// runVerification scans the whole chain and reports findings.
func (m *Monitor) runVerification() {
	result, err := m.log.Verify(context.Background(), audit.VerifyOptions{All: true})
	if err != nil {
		slog.Error("automatic verification failed", "error", err)
		return
	}
	if result.Valid {
		slog.Info("automatic verification passed", "entries", result.EntriesChecked)
		return
	}

	slog.Error("audit chain integrity violation",
		"first_break_sequence", result.FirstBreakSequence,
		"findings", len(result.Errors))
	if m.opts.OnFinding != nil {
		m.opts.OnFinding(result)
	}
}

// Close stops the monitor goroutine and releases the underlying
// fsnotify watcher. Safe to call multiple times.
func (m *Monitor) Close() error {
	select {
	case <-m.done:
		// Already closed.
		return nil
	default:
		close(m.done)
	}
	return m.fsWatcher.Close()
}
