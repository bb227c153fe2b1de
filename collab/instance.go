package collab

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Events is a replay of commits since a client's version.
type Events struct {
	Version   int
	Steps     []Commit
	UserCount int
}

// InstanceInfo describes an instance for diagnostics.
type InstanceInfo struct {
	ID        string `json:"id"`
	UserCount int    `json:"users"`
	Version   int    `json:"version"`
}

type instanceConfig struct {
	maxHistory    int
	presenceDelay time.Duration
	now           func() time.Time
	onChange      func()
	logger        *zap.Logger
	metrics       *Metrics
}

// Instance is the collaboration state of one document. All access is
// serialized by mu; waiters are released in the same critical section that
// changes the version or the user count.
//
// Client access (State, AddSteps, EventsSince, Wait, WaitForEvents,
// RegisterPresence) counts as activity for eviction. The plain accessors
// Doc, Version, UserCount, HistoryLen and Info do not, so that saving and
// listing never keep an idle instance alive.
type Instance struct {
	id  string
	cfg instanceConfig

	mu         sync.Mutex
	doc        Document
	version    int
	steps      []Commit
	lastActive time.Time
	users      map[string]struct{}
	userCount  int
	waiters    []*Waiter
	collecting *time.Timer
	stopped    bool
}

func newInstance(id string, doc Document, cfg instanceConfig) *Instance {
	return &Instance{
		id:         id,
		cfg:        cfg,
		doc:        doc,
		lastActive: cfg.now(),
		users:      make(map[string]struct{}),
	}
}

// ID returns the document id.
func (i *Instance) ID() string { return i.id }

// Doc returns the current document snapshot.
func (i *Instance) Doc() Document {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.doc
}

// Version returns the number of steps ever committed.
func (i *Instance) Version() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.version
}

// UserCount returns the number of clients currently considered present.
func (i *Instance) UserCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.userCount
}

// HistoryLen returns the number of retained commits.
func (i *Instance) HistoryLen() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.steps)
}

// Info returns a diagnostic summary.
func (i *Instance) Info() InstanceInfo {
	i.mu.Lock()
	defer i.mu.Unlock()
	return InstanceInfo{ID: i.id, UserCount: i.userCount, Version: i.version}
}

// State returns the document, version and user count read atomically.
func (i *Instance) State() (Document, int, int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastActive = i.cfg.now()
	return i.doc, i.version, i.userCount
}

// AddSteps applies a batch of steps built against version. It returns the
// new version, ErrConflict if version is stale, a *VersionError if version is
// out of range, a *StepError if a step does not apply, or ErrInstanceClosed
// once the instance has been stopped. Nothing is committed unless every step
// applies.
func (i *Instance) AddSteps(version int, steps []Step, clientID string) (int, error) {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return 0, ErrInstanceClosed
	}
	i.lastActive = i.cfg.now()
	if err := i.checkVersionLocked(version); err != nil {
		i.mu.Unlock()
		return 0, err
	}
	if version != i.version {
		i.mu.Unlock()
		i.cfg.metrics.Conflicts.Inc()
		return 0, ErrConflict
	}

	doc := i.doc
	for idx, s := range steps {
		next, err := s.Apply(doc)
		if err != nil {
			i.mu.Unlock()
			i.cfg.logger.Error("step failed to apply",
				zap.String("doc_id", i.id),
				zap.String("client_id", clientID),
				zap.Int("version", version),
				zap.Int("step", idx),
				zap.Error(err),
			)
			return 0, &StepError{Index: idx, Err: err}
		}
		doc = next
	}

	i.doc = doc
	i.version += len(steps)
	for _, s := range steps {
		i.steps = append(i.steps, Commit{Step: s, ClientID: clientID})
	}
	if over := len(i.steps) - i.cfg.maxHistory; over > 0 {
		i.steps = slices.Clone(i.steps[over:])
	}
	i.sendUpdatesLocked()
	newVersion := i.version
	i.mu.Unlock()

	i.cfg.metrics.StepsApplied.Add(float64(len(steps)))
	i.cfg.onChange()
	return newVersion, nil
}

// EventsSince returns the commits after version. It returns
// ErrHistoryUnavailable when part of that range was trimmed.
func (i *Instance) EventsSince(version int) (Events, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastActive = i.cfg.now()
	return i.eventsLocked(version)
}

func (i *Instance) eventsLocked(version int) (Events, error) {
	if err := i.checkVersionLocked(version); err != nil {
		return Events{}, err
	}
	start := len(i.steps) - (i.version - version)
	if start < 0 {
		i.cfg.metrics.HistoryUnavailable.Inc()
		return Events{}, ErrHistoryUnavailable
	}
	return Events{
		Version:   i.version,
		Steps:     slices.Clone(i.steps[start:]),
		UserCount: i.userCount,
	}, nil
}

// Wait registers a waiter released by the next commit or user count change.
func (i *Instance) Wait(clientID string) *Waiter {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastActive = i.cfg.now()
	return i.addWaiterLocked(clientID)
}

func (i *Instance) addWaiterLocked(clientID string) *Waiter {
	w := &Waiter{ClientID: clientID, inst: i, done: make(chan struct{})}
	if i.stopped {
		w.release(Notification{Version: i.version, UserCount: i.userCount, Closed: true})
		return w
	}
	i.waiters = append(i.waiters, w)
	i.cfg.metrics.Waiters.Inc()
	return w
}

func (i *Instance) removeWaiterLocked(w *Waiter) {
	for idx, cur := range i.waiters {
		if cur == w {
			i.waiters = slices.Delete(i.waiters, idx, idx+1)
			i.cfg.metrics.Waiters.Dec()
			return
		}
	}
}

// WaitForEvents returns the events after version, suspending until there
// are some when the client is already current. A presence change also ends
// the wait, in which case the returned events may have no steps.
func (i *Instance) WaitForEvents(ctx context.Context, version int, clientID string) (Events, error) {
	i.mu.Lock()
	i.lastActive = i.cfg.now()
	ev, err := i.eventsLocked(version)
	if err != nil || len(ev.Steps) > 0 {
		i.mu.Unlock()
		return ev, err
	}
	if i.stopped {
		i.mu.Unlock()
		return Events{}, ErrInstanceClosed
	}
	w := i.addWaiterLocked(clientID)
	i.mu.Unlock()

	select {
	case <-ctx.Done():
		w.Cancel()
		return Events{}, ctx.Err()
	case <-w.Done():
	}
	if w.Notification().Closed {
		return Events{}, ErrInstanceClosed
	}
	return i.EventsSince(version)
}

// RegisterPresence marks clientID as present. A new client is visible to
// waiters immediately.
func (i *Instance) RegisterPresence(clientID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastActive = i.cfg.now()
	if _, ok := i.users[clientID]; ok {
		return
	}
	i.registerUserLocked(clientID)
	i.sendUpdatesLocked()
}

func (i *Instance) registerUserLocked(clientID string) {
	if _, ok := i.users[clientID]; ok {
		return
	}
	i.users[clientID] = struct{}{}
	i.userCount++
	if i.collecting == nil && !i.stopped {
		i.collecting = time.AfterFunc(i.cfg.presenceDelay, i.collectPresence)
	}
}

// collectPresence rebuilds the user set from the clients currently waiting.
func (i *Instance) collectPresence() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopped {
		return
	}
	old := i.userCount
	i.users = make(map[string]struct{})
	i.userCount = 0
	i.collecting = nil
	for _, w := range i.waiters {
		i.registerUserLocked(w.ClientID)
	}
	if i.userCount != old {
		i.cfg.logger.Debug("presence changed",
			zap.String("doc_id", i.id),
			zap.Int("users", i.userCount),
		)
		i.sendUpdatesLocked()
	}
}

func (i *Instance) sendUpdatesLocked() {
	if len(i.waiters) == 0 {
		return
	}
	n := Notification{Version: i.version, UserCount: i.userCount}
	waiters := i.waiters
	i.waiters = nil
	i.cfg.metrics.Waiters.Sub(float64(len(waiters)))
	for _, w := range waiters {
		w.release(n)
	}
}

func (i *Instance) checkVersionLocked(version int) error {
	if version < 0 || version > i.version {
		return &VersionError{Version: version, Current: i.version}
	}
	return nil
}

// replaceDoc swaps the document without touching version or history.
func (i *Instance) replaceDoc(doc Document) {
	i.mu.Lock()
	i.doc = doc
	i.lastActive = i.cfg.now()
	i.mu.Unlock()
	i.cfg.onChange()
}

func (i *Instance) touch() {
	i.mu.Lock()
	i.lastActive = i.cfg.now()
	i.mu.Unlock()
}

func (i *Instance) lastActiveAt() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastActive
}

// Stop cancels the presence timer and releases pending waiters as closed.
func (i *Instance) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopped {
		return
	}
	i.stopped = true
	if i.collecting != nil {
		i.collecting.Stop()
		i.collecting = nil
	}
	n := Notification{Version: i.version, UserCount: i.userCount, Closed: true}
	i.cfg.metrics.Waiters.Sub(float64(len(i.waiters)))
	for _, w := range i.waiters {
		w.release(n)
	}
	i.waiters = nil
}
