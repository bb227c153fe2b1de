package ot

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/alimasry/go-collab-server/collab"
)

const textType = "text"

// Text is an immutable plain-text document.
type Text struct {
	content string
	schema  *Schema
}

var _ collab.Document = (*Text)(nil)

type textJSON struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Content returns the document text.
func (t *Text) Content() string { return t.content }

// Len returns the document length in runes.
func (t *Text) Len() int { return utf8.RuneCountInString(t.content) }

// Schema returns the schema the document was built under.
func (t *Text) Schema() *Schema { return t.schema }

func (t *Text) MarshalJSON() ([]byte, error) {
	return json.Marshal(textJSON{Type: textType, Content: t.content})
}
