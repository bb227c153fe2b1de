package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

const saveTimeout = 30 * time.Second

// Source produces the mapping to persist.
type Source func() (map[string]json.RawMessage, error)

// Saver is a debounced write-behind for a SnapshotStore. The first MarkDirty
// after a save arms a single timer; when it fires the whole source mapping
// is written. Failed writes are logged, counted and published on Errors, and
// leave the saver dirty so the next save retries them.
type Saver struct {
	store   SnapshotStore
	source  Source
	delay   time.Duration
	logger  *zap.Logger
	metrics *Metrics
	errs    chan error

	writeMu sync.Mutex // serializes writes to the store

	mu     sync.Mutex // protects the fields below
	timer  *time.Timer
	dirty  bool
	closed bool
}

// NewSaver creates a Saver that writes source to st at most delay after the
// first change.
func NewSaver(st SnapshotStore, delay time.Duration, source Source, logger *zap.Logger) *Saver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Saver{
		store:   st,
		source:  source,
		delay:   delay,
		logger:  logger,
		metrics: NewMetrics(),
		errs:    make(chan error, 16),
	}
}

// MarkDirty schedules a save unless one is already pending.
func (s *Saver) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = true
	if s.timer == nil && !s.closed {
		s.timer = time.AfterFunc(s.delay, s.fire)
	}
}

// Pending reports whether a scheduled save has not fired yet.
func (s *Saver) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Errors publishes save failures. Errors are dropped when nobody drains the
// channel; they are still logged and counted.
func (s *Saver) Errors() <-chan error { return s.errs }

func (s *Saver) fire() {
	s.mu.Lock()
	s.timer = nil
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	_ = s.Flush(ctx)
}

// Flush writes the current source mapping immediately.
func (s *Saver) Flush(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()

	start := time.Now()
	docs, err := s.source()
	if err == nil {
		err = s.store.Save(ctx, docs)
	}
	if err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		s.report(err)
		return err
	}

	s.metrics.Saves.WithLabelValues("ok").Inc()
	s.logger.Debug("snapshot saved",
		zap.Int("documents", len(docs)),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

func (s *Saver) report(err error) {
	s.metrics.Saves.WithLabelValues("error").Inc()
	s.logger.Error("snapshot save failed", zap.Error(err))
	select {
	case s.errs <- err:
	default:
	}
}

// Close cancels the pending timer and writes once more if there are unsaved
// changes.
func (s *Saver) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	dirty := s.dirty
	s.mu.Unlock()

	if !dirty {
		return nil
	}
	return s.Flush(ctx)
}
