package server

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/alimasry/go-collab-server/collab"
)

// session streams one document's events to one WebSocket client. It keeps a
// long-poll waiter registered on the instance, which is also what keeps the
// client counted as present.
type session struct {
	docID  string
	inst   *collab.Instance
	client *Client

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// newSession creates a follower that ends when parent is cancelled or stop
// is called.
func newSession(parent context.Context, c *Client, docID string, inst *collab.Instance) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{
		docID:  docID,
		inst:   inst,
		client: c,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// run follows the instance from version until stopped.
func (s *session) run(version int) {
	defer close(s.done)
	ctx := s.ctx

	for {
		ev, err := s.inst.WaitForEvents(ctx, version, s.client.ID)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case errors.Is(err, collab.ErrHistoryUnavailable), errors.Is(err, collab.ErrInstanceClosed):
			s.client.sendMsg(ServerMessage{Type: MsgResync, DocID: s.docID})
			return
		default:
			s.client.server.logger.Error("session stopped",
				zap.String("doc_id", s.docID),
				zap.String("client_id", s.client.ID),
				zap.Error(err),
			)
			s.client.sendError("internal error")
			return
		}

		resp, err := encodeEvents(ev)
		if err != nil {
			s.client.sendError("failed to encode events")
			return
		}
		s.client.sendMsg(ServerMessage{
			Type:      MsgEvents,
			DocID:     s.docID,
			Version:   resp.Version,
			Steps:     resp.Steps,
			ClientIDs: resp.ClientIDs,
			Users:     resp.Users,
		})
		version = ev.Version
	}
}

// stop ends the follower and waits for it to exit.
func (s *session) stop() {
	s.cancel()
	<-s.done
}
