package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alimasry/go-collab-server/store"
)

// Config bounds a Registry and its instances.
type Config struct {
	MaxInstances  int
	MaxHistory    int
	PresenceDelay time.Duration
	SaveDelay     time.Duration
	// Fresh skips loading persisted snapshots at startup.
	Fresh bool
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		MaxInstances:  20,
		MaxHistory:    10000,
		PresenceDelay: 5 * time.Second,
		SaveDelay:     10 * time.Second,
	}
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithClock overrides the time source used for activity tracking.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is the bounded pool of collaboration instances. Creating an
// instance beyond MaxInstances evicts the least recently active one.
type Registry struct {
	cfg     Config
	store   store.SnapshotStore
	saver   *store.Saver
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time

	mu        sync.Mutex // protects the fields below
	schema    Schema
	instances map[string]*Instance
}

// NewRegistry creates a registry for documents of schema. st may be nil, in
// which case nothing is persisted.
func NewRegistry(schema Schema, st store.SnapshotStore, cfg Config, opts ...Option) *Registry {
	if schema == nil {
		panic("collab: nil schema")
	}
	r := &Registry{
		cfg:       cfg,
		store:     st,
		logger:    zap.NewNop(),
		metrics:   NewMetrics(),
		now:       time.Now,
		schema:    schema,
		instances: make(map[string]*Instance),
	}
	for _, opt := range opts {
		opt(r)
	}
	if st != nil {
		r.saver = store.NewSaver(st, cfg.SaveDelay, r.Snapshot, r.logger.Named("saver"))
	}
	return r
}

// Schema returns the schema documents and steps are decoded with.
func (r *Registry) Schema() Schema {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.schema
}

// SaveErrors publishes persistence failures. It returns nil when the
// registry has no store.
func (r *Registry) SaveErrors() <-chan error {
	if r.saver == nil {
		return nil
	}
	return r.saver.Errors()
}

// GetOrCreate returns the instance for id, creating it on first access. A
// non-empty requesterID is registered as present.
func (r *Registry) GetOrCreate(id, requesterID string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		inst = r.newInstanceLocked(id, nil)
	}
	if requesterID != "" {
		inst.RegisterPresence(requesterID)
	}
	inst.touch()
	return inst
}

// Lookup returns the instance for id without creating it.
func (r *Registry) Lookup(id string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// Update replaces the document of id with doc, creating the instance if
// needed. Version and history are left as they are. An empty doc leaves an
// existing document unchanged.
func (r *Registry) Update(id, requesterID string, doc json.RawMessage) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var parsed Document
	if len(doc) > 0 {
		var err error
		if parsed, err = r.schema.NodeFromJSON(doc); err != nil {
			return nil, fmt.Errorf("decode document %q: %w", id, err)
		}
	}

	inst, ok := r.instances[id]
	switch {
	case !ok:
		inst = r.newInstanceLocked(id, parsed)
		r.markDirty()
	case parsed != nil:
		inst.replaceDoc(parsed)
	}
	if requesterID != "" {
		inst.RegisterPresence(requesterID)
	}
	inst.touch()
	return inst, nil
}

func (r *Registry) newInstanceLocked(id string, doc Document) *Instance {
	if len(r.instances) >= r.cfg.MaxInstances {
		r.evictLocked()
	}
	if doc == nil {
		doc = r.schema.NewDocument()
	}
	inst := newInstance(id, doc, instanceConfig{
		maxHistory:    r.cfg.MaxHistory,
		presenceDelay: r.cfg.PresenceDelay,
		now:           r.now,
		onChange:      r.markDirty,
		logger:        r.logger,
		metrics:       r.metrics,
	})
	r.instances[id] = inst
	r.metrics.Instances.Set(float64(len(r.instances)))
	r.logger.Debug("instance created", zap.String("doc_id", id))
	return inst
}

// evictLocked removes the least recently active instance. Ties go to the
// smallest id.
func (r *Registry) evictLocked() {
	var oldest *Instance
	var oldestAt time.Time
	for _, id := range r.sortedIDsLocked() {
		inst := r.instances[id]
		at := inst.lastActiveAt()
		if oldest == nil || at.Before(oldestAt) {
			oldest, oldestAt = inst, at
		}
	}
	if oldest == nil {
		return
	}
	oldest.Stop()
	delete(r.instances, oldest.id)
	r.metrics.Evictions.Inc()
	r.metrics.Instances.Set(float64(len(r.instances)))
	r.logger.Info("instance evicted",
		zap.String("doc_id", oldest.id),
		zap.Time("last_active", oldestAt),
	)
}

func (r *Registry) sortedIDsLocked() []string {
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *Registry) markDirty() {
	if r.saver != nil {
		r.saver.MarkDirty()
	}
}

// List describes every live instance, ordered by id.
func (r *Registry) List() []InstanceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := make([]InstanceInfo, 0, len(r.instances))
	for _, id := range r.sortedIDsLocked() {
		found = append(found, r.instances[id].Info())
	}
	return found
}

// Len returns the number of live instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// Load creates one instance per persisted document. It does nothing in
// fresh mode. Documents that no longer decode are skipped.
func (r *Registry) Load(ctx context.Context) error {
	if r.cfg.Fresh || r.store == nil {
		return nil
	}
	docs, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshots: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		doc, err := r.schema.NodeFromJSON(docs[id])
		if err != nil {
			r.logger.Warn("skipping persisted document",
				zap.String("doc_id", id),
				zap.Error(err),
			)
			continue
		}
		if inst, ok := r.instances[id]; ok {
			inst.Stop()
			delete(r.instances, id)
		}
		r.newInstanceLocked(id, doc)
	}
	r.logger.Info("snapshots loaded", zap.Int("documents", len(r.instances)))
	return nil
}

// Snapshot returns the portable form of every instance's document.
func (r *Registry) Snapshot() (map[string]json.RawMessage, error) {
	r.mu.Lock()
	insts := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		insts = append(insts, inst)
	}
	r.mu.Unlock()

	out := make(map[string]json.RawMessage, len(insts))
	for _, inst := range insts {
		raw, err := inst.Doc().MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encode document %q: %w", inst.id, err)
		}
		out[inst.id] = raw
	}
	return out, nil
}

// Flush persists every document now.
func (r *Registry) Flush(ctx context.Context) error {
	if r.saver == nil {
		return nil
	}
	return r.saver.Flush(ctx)
}

// SetSchema replaces the schema and re-derives every document from its
// portable form under it. Versions and histories are kept. If any document
// fails to convert nothing is changed.
func (r *Registry) SetSchema(schema Schema) error {
	if schema == nil {
		return errors.New("collab: nil schema")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.sortedIDsLocked()
	for _, id := range ids {
		r.instances[id].mu.Lock()
	}
	defer func() {
		for _, id := range ids {
			r.instances[id].mu.Unlock()
		}
	}()

	derived := make(map[string]Document, len(ids))
	for _, id := range ids {
		raw, err := r.instances[id].doc.MarshalJSON()
		if err != nil {
			return fmt.Errorf("encode document %q: %w", id, err)
		}
		doc, err := schema.NodeFromJSON(raw)
		if err != nil {
			return fmt.Errorf("reconcile document %q: %w", id, err)
		}
		derived[id] = doc
	}
	for id, doc := range derived {
		r.instances[id].doc = doc
	}
	r.schema = schema
	r.logger.Info("schema replaced", zap.Int("documents", len(derived)))
	return nil
}

// Close stops every instance and writes a final snapshot if there are unsaved
// changes.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	for _, inst := range r.instances {
		inst.Stop()
	}
	r.mu.Unlock()

	if r.saver == nil {
		return nil
	}
	return r.saver.Close(ctx)
}
