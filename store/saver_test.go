package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingSource struct {
	mu    sync.Mutex
	calls int
}

func (c *countingSource) snapshot() (map[string]json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return map[string]json.RawMessage{"doc": json.RawMessage(`{"n":1}`)}, nil
}

type flakyStore struct {
	*MemoryStore
	mu  sync.Mutex
	err error
}

func (f *flakyStore) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *flakyStore) Save(ctx context.Context, docs map[string]json.RawMessage) error {
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryStore.Save(ctx, docs)
}

func TestSaver_DebouncesBursts(t *testing.T) {
	st := NewMemoryStore()
	src := &countingSource{}
	s := NewSaver(st, 20*time.Millisecond, src.snapshot, zaptest.NewLogger(t))
	defer s.Close(context.Background())

	for i := 0; i < 10; i++ {
		s.MarkDirty()
	}
	assert.True(t, s.Pending())

	require.Eventually(t, func() bool { return st.Saves() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, s.Pending())

	s.MarkDirty()
	require.Eventually(t, func() bool { return st.Saves() == 2 }, time.Second, 5*time.Millisecond)
}

func TestSaver_CloseFlushesDirty(t *testing.T) {
	st := NewMemoryStore()
	src := &countingSource{}
	s := NewSaver(st, time.Hour, src.snapshot, zaptest.NewLogger(t))

	s.MarkDirty()
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 1, st.Saves())
	assert.False(t, s.Pending())

	// Closed savers no longer schedule.
	s.MarkDirty()
	assert.False(t, s.Pending())
}

func TestSaver_CloseWhenCleanDoesNotWrite(t *testing.T) {
	st := NewMemoryStore()
	src := &countingSource{}
	s := NewSaver(st, time.Hour, src.snapshot, zaptest.NewLogger(t))
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 0, st.Saves())
	assert.Equal(t, 0, src.calls)
}

func TestSaver_FailureIsReportedAndRetried(t *testing.T) {
	boom := errors.New("write failed")
	st := &flakyStore{MemoryStore: NewMemoryStore()}
	st.setErr(boom)
	src := &countingSource{}
	s := NewSaver(st, 10*time.Millisecond, src.snapshot, zaptest.NewLogger(t))

	s.MarkDirty()
	select {
	case err := <-s.Errors():
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("failure not published")
	}
	assert.Equal(t, 0, st.Saves())

	// The failed write leaves the saver dirty; Close retries it.
	st.setErr(nil)
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 1, st.Saves())
}

func TestSaver_SourceError(t *testing.T) {
	boom := errors.New("encode failed")
	st := NewMemoryStore()
	s := NewSaver(st, time.Hour, func() (map[string]json.RawMessage, error) {
		return nil, boom
	}, zaptest.NewLogger(t))

	err := s.Flush(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, st.Saves())
	assert.ErrorIs(t, <-s.Errors(), boom)
}
