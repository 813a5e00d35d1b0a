// Package sentinel detects unclean shutdowns. A marker file exists exactly
// while the process runs; finding one at startup means the previous run died
// and its partial artifacts have to be swept from the cache and quarantine.
package sentinel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/blobsync/internal/events"
	"github.com/dmitrijs2005/blobsync/internal/filex"
	"github.com/dmitrijs2005/blobsync/internal/logging"
)

// MinSize is the smallest file recovery keeps. Anything shorter cannot be a
// complete blob.
const MinSize = 16

// Marker is the sentinel file's content.
type Marker struct {
	Timestamp time.Time `json:"utc_timestamp"`
	PID       int       `json:"process_id"`
}

// Report summarizes a Start.
type Report struct {
	Recovered bool
	Deleted   int
	Failed    int
	// Previous is the stale marker, when it could be parsed.
	Previous *Marker
}

type Sentinel struct {
	path  string
	roots []string

	started atomic.Bool

	sink events.Sink
	log  logging.Logger
	now  func() time.Time
}

// New prepares a sentinel at dir/name that sweeps roots on recovery.
func New(dir, name string, roots []string, sink events.Sink, log logging.Logger) (*Sentinel, error) {
	if name == "" {
		return nil, fmt.Errorf("sentinel name is empty")
	}
	abs, err := filex.EnsureDir(dir)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = events.Discard
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Sentinel{
		path:  filepath.Join(abs, name),
		roots: roots,
		sink:  sink,
		log:   log.With("component", "sentinel"),
		now:   time.Now,
	}, nil
}

func (s *Sentinel) Path() string { return s.path }

// Start records that the process is running. Only the first call does
// anything; later calls return an empty report. A marker left by a previous
// run triggers a recovery sweep whose failures are logged and counted, never
// returned.
func (s *Sentinel) Start(ctx context.Context) (Report, error) {
	if !s.started.CompareAndSwap(false, true) {
		return Report{}, nil
	}

	var rep Report
	if prev, err := os.ReadFile(s.path); err == nil {
		rep.Recovered = true
		var m Marker
		if json.Unmarshal(prev, &m) == nil {
			rep.Previous = &m
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.log.Warn(ctx, "read sentinel failed", "path", s.path, "err", err)
	}

	data, err := json.Marshal(Marker{Timestamp: s.now().UTC(), PID: os.Getpid()})
	if err != nil {
		return rep, err
	}
	if err := filex.WriteAtomic(s.path, data, 0o600); err != nil {
		return rep, fmt.Errorf("write sentinel: %w", err)
	}

	if !rep.Recovered {
		return rep, nil
	}

	args := []any{"path", s.path}
	if rep.Previous != nil {
		args = append(args, "previous_pid", rep.Previous.PID, "previous_start", rep.Previous.Timestamp)
	}
	s.log.Warn(ctx, "previous run did not shut down cleanly", args...)

	rep.Deleted, rep.Failed = s.sweep(ctx)
	s.log.Info(ctx, "crash recovery finished", "deleted", rep.Deleted, "failed", rep.Failed)
	s.sink.Emit(events.Event{
		Kind:    events.Notification,
		Message: fmt.Sprintf("recovered from an unclean shutdown: %d files removed, %d could not be removed", rep.Deleted, rep.Failed),
		Count:   rep.Deleted,
	})
	return rep, nil
}

// Stop removes the marker. Call it only on a clean shutdown.
func (s *Sentinel) Stop() error {
	if !s.started.Load() {
		return nil
	}
	return filex.RemoveIfExists(s.path)
}

func (s *Sentinel) sweep(ctx context.Context) (deleted, failed int) {
	for _, root := range s.roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return nil
				}
				s.log.Warn(ctx, "recovery walk error", "path", path, "err", err)
				failed++
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() || path == s.path {
				return nil
			}
			if !s.isLeftover(path, d) {
				return nil
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.log.Warn(ctx, "recovery delete failed", "path", path, "err", err)
				failed++
				return nil
			}
			s.log.Debug(ctx, "recovery deleted", "path", path)
			deleted++
			return nil
		})
		if err != nil {
			s.log.Warn(ctx, "recovery sweep stopped", "root", root, "err", err)
		}
	}
	return deleted, failed
}

func (s *Sentinel) isLeftover(path string, d fs.DirEntry) bool {
	if filex.IsTempName(path) {
		return true
	}
	if !d.Type().IsRegular() {
		return false
	}
	info, err := d.Info()
	if err != nil {
		return false
	}
	return info.Size() < MinSize
}
