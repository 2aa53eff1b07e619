package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sawpanic/driftline/internal/domain"
)

// maxBodyBytes bounds config patches and cancel requests.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrConfig):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.eng.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"started_at":  st.StartedAt,
		"uptime":      st.Uptime.String(),
		"live_trades": st.LiveTrades,
		"subsystems":  st.Subsystems,
		"timestamp":   time.Now().UTC(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Stats())
}

func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	ops := s.eng.Opportunities()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":         len(ops),
		"opportunities": ops,
	})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	trades := s.eng.Trades()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(trades),
		"trades": trades,
	})
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tr, ok := s.eng.Trade(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "trade not found: " + id})
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleTradeCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		// An empty or absent body means an operator cancel without
		// a stated reason.
		_ = json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body)
	}
	if body.Reason == "" {
		body.Reason = "cancelled via api"
	}
	if err := s.eng.CancelTrade(id, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func (s *Server) handleCorrelations(w http.ResponseWriter, r *http.Request) {
	corrs := s.eng.Correlations()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":        len(corrs),
		"correlations": corrs,
	})
}

func (s *Server) handleLiquidity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"markets": s.eng.BookQuality(),
	})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Config())
}

// handleConfigPatch overlays a partial yaml document on the running
// config and returns the merged result.
func (s *Server) handleConfigPatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body: " + err.Error()})
		return
	}
	if len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty config patch"})
		return
	}
	cfg, err := s.eng.UpdateConfig(body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	subsystem, action := vars["subsystem"], vars["action"]
	if err := s.eng.Control(subsystem, action); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"subsystem": subsystem,
		"action":    action,
		"status":    "ok",
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found: " + r.URL.Path})
}
