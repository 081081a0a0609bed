package handler

import (
	"net/http"
	"sort"
	"time"
)

// handleHealth handles GET /health. A node in recovery is still healthy;
// the domains it is recovering are listed.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Node:    uint8(h.tr.Self()),
		Time:    time.Now().UTC().Format(time.RFC3339),
		Domains: len(h.domains),
	}
	for name, d := range h.domains {
		if len(d.RecoveryStatus().Pending) > 0 {
			resp.Recovering = append(resp.Recovering, name)
		}
	}
	sort.Strings(resp.Recovering)
	if len(resp.Recovering) > 0 {
		resp.Status = "recovering"
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}
