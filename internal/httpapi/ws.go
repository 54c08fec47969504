package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/Ephemera-Network/rollup_console/internal/broker"
	"github.com/Ephemera-Network/rollup_console/internal/ingest"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Dashboard origins are enforced at the edge proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// controlMessage is sent server-to-client on the ingest socket to request a
// retransmission, and on the subscribe socket to signal a delivery gap.
type controlMessage struct {
	Control string `json:"control"`
	FromSeq uint64 `json:"from_seq,omitempty"`
}

// wsIngest is the rollup-facing event stream: one long-lived connection per
// instance pushing frames in sequence order.
func (s *Server) wsIngest(w http.ResponseWriter, r *http.Request) {
	rollupID := mux.Vars(r)["id"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Writes to the socket happen only from this handler's goroutines; the
	// resend callback runs inside the read loop, so no write lock is needed.
	session, err := s.gateway.OpenSession(r.Context(), rollupID, func(fromSeq uint64) error {
		return conn.WriteJSON(controlMessage{Control: "resendFrom", FromSeq: fromSeq})
	})
	if err != nil {
		_ = conn.WriteJSON(map[string]string{"error": err.Error()})
		return
	}
	defer session.Close(r.Context())

	// Teardown cancels the session; unblock the pending read.
	go func() {
		<-session.Done()
		_ = conn.Close()
	}()

	for {
		var frame ingest.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if err := session.Ingest(r.Context(), frame); err != nil {
			if errors.Is(err, ingest.ErrSessionClosed) {
				return
			}
			s.log.Warn().Err(err).Str("rollup", rollupID).Msg("ingest frame rejected")
			_ = conn.WriteJSON(map[string]string{"error": err.Error()})
		}
	}
}

// wsSubscribe is the dashboard-facing live event stream for one rollup
// instance or a whole project.
func (s *Server) wsSubscribe(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := broker.Scope{
		RollupID:  q.Get("rollup_id"),
		ProjectID: q.Get("project_id"),
	}

	var resumeFrom *uint64
	if v := q.Get("resume_from"); v != "" {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("resume_from must be a sequence number"))
			return
		}
		resumeFrom = &seq
	}

	// A stable subscriber_id lets the viewer resume from its checkpointed
	// positions after a console restart.
	sub, err := s.broker.Subscribe(r.Context(), scope, q.Get("subscriber_id"), resumeFrom)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer s.broker.Unsubscribe(sub.ID)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Drain client messages to notice a closed peer.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				s.broker.Unsubscribe(sub.ID)
				return
			}
		}
	}()

	for {
		ev, ok := sub.Recv(r.Context())
		if !ok {
			return
		}
		if sub.HasGap() {
			// The viewer lost events to queue overflow; it can replay
			// the ledger from its last delivered sequence.
			if err := conn.WriteJSON(controlMessage{Control: "gap", FromSeq: ev.Sequence}); err != nil {
				return
			}
		}
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
