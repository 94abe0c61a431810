package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/beeper/asmux/internal/events"
	"github.com/beeper/asmux/internal/router"
)

// transactionBody is the homeserver transaction payload. synchronous_to is a
// custom extension: the homeserver can ask to wait for the delivery result of
// specific appservices instead of getting a fire-and-forget 200.
type transactionBody struct {
	Events         []events.Event             `json:"events"`
	Ephemeral      []events.Event             `json:"ephemeral"`
	DeviceOTKCount map[string]events.OTKCount `json:"device_one_time_keys_count"`
	DeviceLists    events.DeviceLists         `json:"device_lists"`
	SynchronousTo  []string                   `json:"com.beeper.asmux.synchronous_to"`
}

// markTransaction records a handled transaction id, evicting the oldest
// remembered id past the limit. Returns false when the id was already seen.
func (s *Server) markTransaction(txnID string) bool {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()
	if _, seen := s.seenTxns[txnID]; seen {
		return false
	}
	s.seenTxns[txnID] = struct{}{}
	s.txnOrder = append(s.txnOrder, txnID)
	if len(s.txnOrder) > seenTxnLimit {
		delete(s.seenTxns, s.txnOrder[0])
		s.txnOrder = s.txnOrder[1:]
	}
	return true
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)
	if token == "" {
		respondMatrixError(w, http.StatusUnauthorized, "M_MISSING_TOKEN", "Missing authorization header")
		return
	}
	if token != s.cfg.Mux.HSToken {
		respondMatrixError(w, http.StatusForbidden, "M_UNKNOWN_TOKEN", "Unknown authorization token")
		return
	}
	txnID := mux.Vars(r)["txnID"]

	var body transactionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondMatrixError(w, http.StatusBadRequest, "M_NOT_JSON", "Request body is not valid JSON")
		return
	}
	if !s.markTransaction(txnID) {
		slog.Debug("Ignoring duplicate transaction", "txn_id", txnID)
		respondJSON(w, http.StatusOK, map[string]bool{})
		return
	}

	result := s.router.HandleTransaction(r.Context(), &router.Transaction{
		ID:             txnID,
		Events:         body.Events,
		Ephemeral:      body.Ephemeral,
		DeviceOTKCount: body.DeviceOTKCount,
		DeviceLists:    body.DeviceLists,
		SynchronousTo:  body.SynchronousTo,
	})
	respondJSON(w, http.StatusOK, result)
}
