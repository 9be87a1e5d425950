package httpapi

import (
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/caseflow/evidencegate/internal/engine"
)

const feedSnapshotLimit = 1000

// handleTransactionFeed streams transaction log entries over a websocket.
// Each entry is sent once when it appears and again when its status settles,
// so a dashboard can show sagas moving from pending to committed or
// compensated without polling the list endpoint.
func (s *Server) handleTransactionFeed(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		// Browser websocket clients cannot set request headers.
		if token := r.URL.Query().Get("token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	if _, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, "txn:read", time.Now()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed closed")

	ctx := r.Context()
	seen := map[string]engine.TxStatus{}
	ticker := time.NewTicker(s.cfg.FeedPollInterval)
	defer ticker.Stop()

	for {
		records := s.manager.RecentTransactions(feedSnapshotLimit)
		live := make(map[string]struct{}, len(records))
		// Recent returns newest first; replay oldest first so the client
		// observes entries in begin order.
		for i := len(records) - 1; i >= 0; i-- {
			record := records[i]
			live[record.TransactionID] = struct{}{}
			if prev, ok := seen[record.TransactionID]; ok && prev == record.Status {
				continue
			}
			if err := wsjson.Write(ctx, conn, record); err != nil {
				return
			}
			seen[record.TransactionID] = record.Status
		}
		for txnID := range seen {
			if _, ok := live[txnID]; !ok {
				delete(seen, txnID)
			}
		}

		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "server shutting down")
			return
		case <-ticker.C:
		}
	}
}
