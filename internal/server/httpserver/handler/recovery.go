package handler

import "net/http"

// handleRecovery handles GET /v1/domains/{name}/recovery.
func (h *Handler) handleRecovery(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	d, ok := h.domains[name]
	if !ok {
		h.writeError(w, r, http.StatusNotFound, CodeNotFound, "unknown domain "+name)
		return
	}
	h.writeJSON(w, r, http.StatusOK, RecoveryResponse(d.RecoveryStatus()))
}
