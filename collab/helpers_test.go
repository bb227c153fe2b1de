package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// counterDoc is a minimal document: an integer value. tag records which
// schema decoded it and is not part of the portable form.
type counterDoc struct {
	value int
	tag   string
}

func (d *counterDoc) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]int{"value": d.value})
}

type addStep struct {
	N    int
	Fail bool
}

var errStepRejected = errors.New("step rejected")

func (s addStep) Apply(doc Document) (Document, error) {
	if s.Fail {
		return nil, errStepRejected
	}
	d := doc.(*counterDoc)
	return &counterDoc{value: d.value + s.N, tag: d.tag}, nil
}

func (s addStep) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]int{"add": s.N})
}

type counterSchema struct {
	tag    string
	reject bool
}

func (s *counterSchema) NewDocument() Document { return &counterDoc{tag: s.tag} }

func (s *counterSchema) NodeFromJSON(data json.RawMessage) (Document, error) {
	if s.reject {
		return nil, fmt.Errorf("schema %q rejects documents", s.tag)
	}
	var v struct {
		Value int `json:"value"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &counterDoc{value: v.Value, tag: s.tag}, nil
}

func (s *counterSchema) StepFromJSON(data json.RawMessage) (Step, error) {
	var v struct {
		Add int `json:"add"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return addStep{N: v.Add}, nil
}

// fakeClock advances one second on every read so activity is strictly
// ordered.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type testInstance struct {
	*Instance
	mu      sync.Mutex
	changes int
}

func (ti *testInstance) Changes() int {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.changes
}

func newTestInstance(t *testing.T, maxHistory int, presenceDelay time.Duration) *testInstance {
	t.Helper()
	ti := &testInstance{}
	ti.Instance = newInstance("doc", &counterDoc{}, instanceConfig{
		maxHistory:    maxHistory,
		presenceDelay: presenceDelay,
		now:           newFakeClock().Now,
		onChange: func() {
			ti.mu.Lock()
			ti.changes++
			ti.mu.Unlock()
		},
		logger:  zaptest.NewLogger(t),
		metrics: NewMetrics(),
	})
	t.Cleanup(ti.Stop)
	return ti
}

func steps(ns ...int) []Step {
	out := make([]Step, len(ns))
	for i, n := range ns {
		out[i] = addStep{N: n}
	}
	return out
}

func value(doc Document) int { return doc.(*counterDoc).value }
