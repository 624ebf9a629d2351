package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// handleTopSetStream pushes every new Top-Set of a contest over a websocket,
// starting with the current one. The stream ends when the contest closes.
// Clients are read-only; anything they send is discarded.
func (s *Server) handleTopSetStream(w http.ResponseWriter, r *http.Request) {
	contestID := r.PathValue("id")
	snapshots, done, cancel, err := s.svc.Watch(contestID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("topset stream accept", "contest", contestID, "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	s.log.Debug("topset stream opened", "contest", contestID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			conn.Close(websocket.StatusGoingAway, "contest closed")
			return
		case ts, ok := <-snapshots:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			wctx, stop := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ts)
			stop()
			if err != nil {
				s.log.Debug("topset stream write", "contest", contestID, "error", err)
				return
			}
		}
	}
}
