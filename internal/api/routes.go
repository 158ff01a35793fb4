package api

import (
	"encoding/json"
	"net/http"

	"github.com/flowstub/flowstub/internal/common"
	"github.com/flowstub/flowstub/internal/statistics"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *APIServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": s.Version,
	})
}

func (s *APIServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Config)
}

func (s *APIServer) handleRules(w http.ResponseWriter, r *http.Request) {
	rules := []common.Rule{}
	if s.Rules != nil {
		rules = append(rules, s.Rules.Rules()...)
	}
	writeJSON(w, http.StatusOK, rules)
}

type statsResponse struct {
	Totals   statistics.Totals          `json:"totals"`
	Rewrites []statistics.RewriteRecord `json:"rewrites"`
}

func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Totals:   s.Recorder.Totals(),
		Rewrites: s.Recorder.Snapshot(),
	}
	if resp.Rewrites == nil {
		resp.Rewrites = []statistics.RewriteRecord{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleCA(w http.ResponseWriter, r *http.Request) {
	if s.CA == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "mitm disabled"})
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="flowstub-ca.pem"`)
	_, _ = w.Write(s.CA.CertPEM())
}
