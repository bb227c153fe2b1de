package server

import (
	"encoding/json"
	"fmt"

	"github.com/alimasry/go-collab-server/collab"
)

// Message types exchanged over WebSocket.
const (
	MsgJoin     = "join"     // client: follow docId
	MsgSteps    = "steps"    // client: submit steps built on version
	MsgDoc      = "doc"      // server: full document after join
	MsgEvents   = "events"   // server: new steps and/or user count
	MsgAck      = "ack"      // server: steps committed at version
	MsgConflict = "conflict" // server: steps rejected, version is stale
	MsgResync   = "resync"   // server: history lost, rejoin for a full document
	MsgError    = "error"
)

// ClientMessage is a message from client to server.
type ClientMessage struct {
	Type    string            `json:"type"`
	DocID   string            `json:"docId,omitempty"`
	Version int               `json:"version"`
	Steps   []json.RawMessage `json:"steps,omitempty"`
}

// ServerMessage is a message from server to client.
type ServerMessage struct {
	Type      string            `json:"type"`
	DocID     string            `json:"docId,omitempty"`
	Doc       json.RawMessage   `json:"doc,omitempty"`
	Version   int               `json:"version"`
	Steps     []json.RawMessage `json:"steps,omitempty"`
	ClientIDs []string          `json:"clientIDs,omitempty"`
	Users     int               `json:"users"`
	ClientID  string            `json:"clientId,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// Encode serializes a ServerMessage to JSON bytes.
func (m ServerMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

// DocResponse is the response body for GET /docs/:id.
type DocResponse struct {
	Doc     json.RawMessage `json:"doc"`
	Version int             `json:"version"`
	Users   int             `json:"users"`
}

// UpdateRequest is the request body for PUT /docs/:id.
type UpdateRequest struct {
	Doc json.RawMessage `json:"doc"`
}

// EventsResponse is the response body for GET /docs/:id/events.
type EventsResponse struct {
	Version   int               `json:"version"`
	Steps     []json.RawMessage `json:"steps"`
	ClientIDs []string          `json:"clientIDs"`
	Users     int               `json:"users"`
}

// StepsRequest is the request body for POST /docs/:id/events.
type StepsRequest struct {
	Version  int               `json:"version"`
	Steps    []json.RawMessage `json:"steps"`
	ClientID string            `json:"clientID"`
}

// VersionResponse is the response body for a committed POST.
type VersionResponse struct {
	Version int `json:"version"`
}

// ErrorResponse is returned with 4xx/5xx statuses.
type ErrorResponse struct {
	Error string `json:"error"`
}

func encodeEvents(ev collab.Events) (EventsResponse, error) {
	out := EventsResponse{
		Version:   ev.Version,
		Steps:     make([]json.RawMessage, len(ev.Steps)),
		ClientIDs: make([]string, len(ev.Steps)),
		Users:     ev.UserCount,
	}
	for i, c := range ev.Steps {
		raw, err := c.Step.MarshalJSON()
		if err != nil {
			return EventsResponse{}, fmt.Errorf("encode step %d: %w", i, err)
		}
		out.Steps[i] = raw
		out.ClientIDs[i] = c.ClientID
	}
	return out, nil
}

func decodeSteps(schema collab.Schema, raw []json.RawMessage) ([]collab.Step, error) {
	steps := make([]collab.Step, len(raw))
	for i, r := range raw {
		s, err := schema.StepFromJSON(r)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		steps[i] = s
	}
	return steps, nil
}
