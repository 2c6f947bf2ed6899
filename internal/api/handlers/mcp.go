package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/opsgate/opsgate/pkg/models"
)

// MCPEndpoint serves the JSON-RPC tool gateway over HTTP. Protocol
// errors travel inside the JSON-RPC envelope, so the HTTP status is 200
// for everything except notifications, which get 204 and no body.
func (h *Handlers) MCPEndpoint(w http.ResponseWriter, r *http.Request) {
	var req models.MCPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusOK, models.MCPResponse{
			Jsonrpc: "2.0",
			Error:   &models.MCPError{Code: -32700, Message: "Parse error"},
			ID:      nil,
		})
		return
	}

	log.Debug().Str("method", req.Method).Msg("MCP request")

	resp := h.Gateway.HandleJSONRPC(r.Context(), &req)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}
