package api

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/warrant/pkg/errorir"
)

// TrustedKey is the wire form of a verification key.
type TrustedKey struct {
	AgentID   string `json:"agent_id"`
	PublicKey string `json:"public_key"`
}

func (s *Server) listKeys(w http.ResponseWriter, _ *http.Request) {
	ids := s.ring.IDs()
	out := make([]TrustedKey, 0, len(ids))
	for _, id := range ids {
		pub, err := s.ring.PublicKey(id)
		if err != nil {
			continue
		}
		out = append(out, TrustedKey{AgentID: id, PublicKey: hex.EncodeToString(pub)})
	}
	WriteJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (s *Server) addKey(w http.ResponseWriter, r *http.Request) {
	var req TrustedKey
	if !s.decode(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		WriteBadRequest(w, "/agent_id", "agent_id is required")
		return
	}
	pub, err := hex.DecodeString(req.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		WriteBadRequest(w, "/public_key", "public_key must be a hex-encoded Ed25519 public key")
		return
	}
	if _, err := s.ring.Signer(req.AgentID); err == nil {
		WriteError(w, errorir.New(errorir.KindPreconditionFailed,
			"%s is a local signer and cannot be replaced", req.AgentID).WithField("/agent_id"))
		return
	}
	if err := s.ring.AddPublicKey(req.AgentID, pub); err != nil {
		WriteBadRequest(w, "/public_key", err.Error())
		return
	}
	s.logger.InfoContext(r.Context(), "trusted key added", "agent_id", req.AgentID)
	WriteJSON(w, http.StatusCreated, req)
}

func (s *Server) revokeKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agent")
	if _, err := s.ring.PublicKey(id); err != nil {
		WriteNotFound(w, "/agent", fmt.Sprintf("no trusted key for %q", id))
		return
	}
	if _, err := s.ring.Signer(id); err == nil {
		WriteError(w, errorir.New(errorir.KindPreconditionFailed,
			"%s is a local signer and cannot be revoked", id).WithField("/agent"))
		return
	}
	s.ring.RevokeKey(id)
	s.logger.InfoContext(r.Context(), "trusted key revoked", "agent_id", id)
	WriteJSON(w, http.StatusOK, map[string]string{"status": "revoked", "agent_id": id})
}
