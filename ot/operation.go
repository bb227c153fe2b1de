package ot

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/alimasry/go-collab-server/collab"
)

// Component is a single step in an OT operation.
// Exactly one field should be set. Lengths count runes.
type Component struct {
	Retain int    `json:"retain,omitempty"` // keep N chars unchanged
	Insert string `json:"insert,omitempty"` // insert text at cursor
	Delete int    `json:"delete,omitempty"` // remove N chars at cursor
}

func (c Component) IsRetain() bool { return c.Retain > 0 && c.Insert == "" && c.Delete == 0 }
func (c Component) IsInsert() bool { return c.Insert != "" }
func (c Component) IsDelete() bool { return c.Delete > 0 && c.Insert == "" }

func (c Component) valid() bool {
	set := 0
	if c.Retain != 0 {
		set++
	}
	if c.Insert != "" {
		set++
	}
	if c.Delete != 0 {
		set++
	}
	return set == 1 && c.Retain >= 0 && c.Delete >= 0
}

// Operation is a sequence of components that transforms a document.
// Components are applied left-to-right, advancing a cursor through the input.
// Operation is the step type committed by collaboration instances.
type Operation struct {
	Ops []Component `json:"ops"`
}

var _ collab.Step = Operation{}

// BaseLen returns the expected input document length.
func (op Operation) BaseLen() int {
	n := 0
	for _, c := range op.Ops {
		if c.IsRetain() {
			n += c.Retain
		} else if c.IsDelete() {
			n += c.Delete
		}
	}
	return n
}

// TargetLen returns the document length after the operation is applied.
func (op Operation) TargetLen() int {
	n := 0
	for _, c := range op.Ops {
		if c.IsRetain() {
			n += c.Retain
		} else if c.IsInsert() {
			n += utf8.RuneCountInString(c.Insert)
		}
	}
	return n
}

// IsNoop returns true if the operation makes no changes.
func (op Operation) IsNoop() bool {
	for _, c := range op.Ops {
		if c.IsInsert() || c.IsDelete() {
			return false
		}
	}
	return true
}

// Validate reports malformed components.
func (op Operation) Validate() error {
	for i, c := range op.Ops {
		if !c.valid() {
			return fmt.Errorf("component %d: exactly one non-negative field must be set", i)
		}
	}
	return nil
}

// Apply applies the operation to a *Text and returns the resulting *Text.
// A no-op returns doc itself.
func (op Operation) Apply(doc collab.Document) (collab.Document, error) {
	t, ok := doc.(*Text)
	if !ok {
		return nil, fmt.Errorf("unsupported document type %T", doc)
	}
	if n := t.Len(); n != op.BaseLen() {
		return nil, fmt.Errorf("%w: document %d, operation base %d", ErrLengthMismatch, n, op.BaseLen())
	}
	if op.IsNoop() {
		return t, nil
	}
	// Reject oversized results before building them.
	if err := t.schema.checkLen(op.TargetLen()); err != nil {
		return nil, err
	}
	content, err := ApplyString(t.content, op)
	if err != nil {
		return nil, err
	}
	return &Text{content: content, schema: t.schema}, nil
}

// ErrLengthMismatch is returned when an operation does not span the whole
// document.
var ErrLengthMismatch = errors.New("document length does not match operation")

// ApplyString applies the operation to a plain string.
func ApplyString(doc string, op Operation) (string, error) {
	runes := []rune(doc)
	if len(runes) != op.BaseLen() {
		return "", fmt.Errorf("%w: document %d, operation base %d", ErrLengthMismatch, len(runes), op.BaseLen())
	}
	var b strings.Builder
	pos := 0
	for _, c := range op.Ops {
		switch {
		case c.IsRetain():
			b.WriteString(string(runes[pos : pos+c.Retain]))
			pos += c.Retain
		case c.IsInsert():
			b.WriteString(c.Insert)
		case c.IsDelete():
			pos += c.Delete
		}
	}
	return b.String(), nil
}

// Map returns where position pos of the input document lands in the output.
// Text inserted exactly at pos ends up before it.
func (op Operation) Map(pos int) int {
	in, out := 0, 0
	for _, c := range op.Ops {
		switch {
		case c.IsRetain():
			if pos < in+c.Retain {
				return out + (pos - in)
			}
			in += c.Retain
			out += c.Retain
		case c.IsInsert():
			out += utf8.RuneCountInString(c.Insert)
		case c.IsDelete():
			if pos < in+c.Delete {
				return out
			}
			in += c.Delete
		}
	}
	return out + (pos - in)
}

func (op Operation) MarshalJSON() ([]byte, error) {
	type plain Operation
	if op.Ops == nil {
		op.Ops = []Component{}
	}
	return json.Marshal(plain(op))
}

// NewInsert creates an operation that inserts text at pos in a document of docLen.
func NewInsert(pos int, text string, docLen int) Operation {
	var ops []Component
	if pos > 0 {
		ops = append(ops, Component{Retain: pos})
	}
	ops = append(ops, Component{Insert: text})
	if remaining := docLen - pos; remaining > 0 {
		ops = append(ops, Component{Retain: remaining})
	}
	return Operation{Ops: ops}
}

// NewDelete creates an operation that deletes count chars at pos in a document of docLen.
func NewDelete(pos, count, docLen int) Operation {
	var ops []Component
	if pos > 0 {
		ops = append(ops, Component{Retain: pos})
	}
	ops = append(ops, Component{Delete: count})
	if remaining := docLen - pos - count; remaining > 0 {
		ops = append(ops, Component{Retain: remaining})
	}
	return Operation{Ops: ops}
}
