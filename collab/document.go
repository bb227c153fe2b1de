package collab

import "encoding/json"

// Document is an immutable snapshot of a collaboratively edited document.
// MarshalJSON returns its portable form.
type Document interface {
	json.Marshaler
}

// Step is an atomic document mutation. Apply must not modify doc; it returns
// the resulting document instead.
type Step interface {
	json.Marshaler
	Apply(doc Document) (Document, error)
}

// Schema builds documents and steps from their portable forms.
type Schema interface {
	NewDocument() Document
	NodeFromJSON(data json.RawMessage) (Document, error)
	StepFromJSON(data json.RawMessage) (Step, error)
}

// Commit is a step in the history log, tagged with the client that authored it.
type Commit struct {
	Step     Step
	ClientID string
}
