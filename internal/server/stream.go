package server

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/gamerboy74/agrisync/errs"
	"github.com/gamerboy74/agrisync/internal/domain/orderstore"
	"github.com/gamerboy74/agrisync/internal/observability"
	"github.com/gamerboy74/agrisync/internal/schema"
)

const (
	frameSnapshot = "snapshot"
	frameEvent    = "event"

	streamSnapshotLimit = 500
	streamWriteTimeout  = 5 * time.Second
)

type streamFrame struct {
	Type   string              `json:"type"`
	Orders []schema.Order      `json:"orders,omitempty"`
	Event  *schema.ChangeEvent `json:"event,omitempty"`
}

func (s *httpServer) handleStream(w http.ResponseWriter, r *http.Request) {
	viewer := viewerFrom(r)
	if viewer == "" {
		writeErr(w, errs.New("server/stream", errs.CodePermission, errs.WithMessage("viewer identity required")))
		return
	}
	if s.bus == nil {
		writeErr(w, errs.New("server/stream", errs.CodeUnavailable, errs.WithMessage("fan-out unavailable")))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		observability.Log().Warn("stream accept failed", observability.F("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	// The client never sends application data; CloseRead keeps control
	// frames serviced and cancels the context when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	// Subscribe before the snapshot read so a change landing in between is
	// queued rather than lost. The client projection absorbs the duplicate
	// when the snapshot already reflects it.
	subID, events, err := s.bus.Subscribe(ctx, viewer)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "subscribe rejected")
		return
	}
	defer s.bus.Unsubscribe(subID)

	snapshot, err := s.orders.ListOrders(ctx, orderstore.OrderQuery{PartyID: viewer, Limit: streamSnapshotLimit})
	if err != nil {
		observability.Log().Error("stream snapshot failed",
			observability.F("viewer", viewer),
			observability.F("error", err.Error()))
		conn.Close(websocket.StatusInternalError, "snapshot unavailable")
		return
	}
	if snapshot == nil {
		snapshot = []schema.Order{}
	}
	if err := writeFrame(ctx, conn, streamFrame{Type: frameSnapshot, Orders: snapshot}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case env, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "stream shutting down")
				return
			}
			evt := env.Event
			if err := writeFrame(ctx, conn, streamFrame{Type: frameEvent, Event: &evt}); err != nil {
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame streamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
