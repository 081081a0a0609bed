package handler

import (
	"net/http"

	"github.com/yndnr/lockmesh-go/internal/cluster"
	"github.com/yndnr/lockmesh-go/internal/transport"
)

// handleNodes handles GET /v1/nodes.
func (h *Handler) handleNodes(w http.ResponseWriter, r *http.Request) {
	self := h.tr.Self()
	live := h.hb.LiveNodes()
	reachable := h.tr.ConnectedNodes()

	peers := make(map[cluster.NodeID]transport.PeerInfo)
	for _, p := range h.tr.Peers() {
		peers[p.ID] = p
	}

	resp := NodesResponse{
		Self:      uint8(self),
		Live:      live.String(),
		Reachable: reachable.String(),
	}
	for _, n := range h.reg.Nodes() {
		st := NodeStatus{
			ID:        uint8(n.ID),
			Name:      n.Name,
			Addr:      n.Addr,
			Self:      n.ID == self,
			Alive:     live.Test(n.ID),
			Connected: reachable.Test(n.ID),
			State:     transport.StateDisconnected.String(),
		}
		if p, ok := peers[n.ID]; ok {
			st.State = p.State
			st.Initiator = p.Initiator
			st.Attempts = p.Attempts
			st.Pending = p.Pending
			st.Error = p.Error
		}
		if st.Self {
			st.State = "local"
		}
		resp.Nodes = append(resp.Nodes, st)
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}
