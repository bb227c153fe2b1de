package ot

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/alimasry/go-collab-server/collab"
)

// Schema decodes text documents and operations. A zero MaxLen means no
// length limit.
type Schema struct {
	Name   string
	MaxLen int
}

var _ collab.Schema = (*Schema)(nil)

// NewSchema returns a schema with no length limit.
func NewSchema(name string) *Schema {
	return &Schema{Name: name}
}

// NewDocument returns the starting document: a single space.
func (s *Schema) NewDocument() collab.Document {
	return &Text{content: " ", schema: s}
}

// NewText builds a document under s.
func (s *Schema) NewText(content string) (*Text, error) {
	if err := s.check(content); err != nil {
		return nil, err
	}
	return &Text{content: content, schema: s}, nil
}

func (s *Schema) NodeFromJSON(data json.RawMessage) (collab.Document, error) {
	var v textJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode text: %w", err)
	}
	if v.Type != textType {
		return nil, fmt.Errorf("unexpected node type %q", v.Type)
	}
	return s.NewText(v.Content)
}

func (s *Schema) StepFromJSON(data json.RawMessage) (collab.Step, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("decode operation: %w", err)
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return op, nil
}

func (s *Schema) check(content string) error {
	return s.checkLen(utf8.RuneCountInString(content))
}

func (s *Schema) checkLen(n int) error {
	if s == nil || s.MaxLen <= 0 || n <= s.MaxLen {
		return nil
	}
	return fmt.Errorf("document length %d exceeds schema %q limit %d", n, s.Name, s.MaxLen)
}
