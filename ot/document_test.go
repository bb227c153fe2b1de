package ot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestText_ApplyIsImmutable(t *testing.T) {
	s := NewSchema("plain")
	doc, err := s.NewText("hello")
	require.NoError(t, err)

	out, err := NewInsert(5, " world", 5).Apply(doc)
	require.NoError(t, err)
	assert.Equal(t, "hello world", out.(*Text).Content())
	assert.Equal(t, "hello", doc.Content(), "input document must not change")

	out, err = NewDelete(6, 5, 11).Apply(out)
	require.NoError(t, err)
	assert.Equal(t, "hello ", out.(*Text).Content())
	assert.Same(t, s, out.(*Text).Schema())
}

func TestText_ApplyError(t *testing.T) {
	doc, err := NewSchema("plain").NewText("hi")
	require.NoError(t, err)

	_, err = NewInsert(0, "x", 10).Apply(doc)
	require.ErrorIs(t, err, ErrLengthMismatch)
	assert.Equal(t, "hi", doc.Content())
}

func TestText_ApplyRespectsMaxLen(t *testing.T) {
	s := &Schema{Name: "short", MaxLen: 3}
	doc, err := s.NewText("abc")
	require.NoError(t, err)

	_, err = NewInsert(3, "d", 3).Apply(doc)
	assert.ErrorContains(t, err, "exceeds")

	// Shrinking below the limit is allowed.
	out, err := NewDelete(0, 1, 3).Apply(doc)
	require.NoError(t, err)
	assert.Equal(t, "bc", out.(*Text).Content())
}

func TestText_ApplyNoop(t *testing.T) {
	doc, err := NewSchema("plain").NewText("abc")
	require.NoError(t, err)

	out, err := Operation{Ops: []Component{{Retain: 3}}}.Apply(doc)
	require.NoError(t, err)
	assert.Same(t, doc, out)

	_, err = Operation{Ops: []Component{{Retain: 2}}}.Apply(doc)
	assert.ErrorIs(t, err, ErrLengthMismatch, "no-op still has to span the document")
}

func TestSchema_NodeFromJSON(t *testing.T) {
	s := NewSchema("plain")
	doc := s.NewDocument()
	assert.Equal(t, " ", doc.(*Text).Content())

	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"text","content":" "}`, string(raw))

	back, err := s.NodeFromJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, " ", back.(*Text).Content())

	_, err = s.NodeFromJSON(json.RawMessage(`{"type":"paragraph"}`))
	assert.Error(t, err)
	_, err = s.NodeFromJSON(json.RawMessage(`not json`))
	assert.Error(t, err)

	_, err = (&Schema{MaxLen: 2}).NodeFromJSON(json.RawMessage(`{"type":"text","content":"abc"}`))
	assert.Error(t, err)
}

func TestSchema_StepFromJSON(t *testing.T) {
	s := NewSchema("plain")
	step, err := s.StepFromJSON(json.RawMessage(`{"ops":[{"retain":1},{"insert":"x"}]}`))
	require.NoError(t, err)
	assert.Equal(t, NewInsert(1, "x", 1), step)

	_, err = s.StepFromJSON(json.RawMessage(`{"ops":[{"retain":1,"delete":1}]}`))
	assert.Error(t, err)
}
