package httpapi

import (
	"net/http"
	"time"

	"github.com/sremani/artifortress/internal/apierr"
)

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	p, aerr := requirePrincipal(r)
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": p.TenantID,
		"subject":   p.Subject,
		"scopes":    p.Scopes,
		"source":    p.Source,
	})
}

type issuePATRequest struct {
	TenantID   string   `json:"tenant_id"`
	Subject    string   `json:"subject"`
	Scopes     []string `json:"scopes"`
	TTLMinutes int      `json:"ttl_minutes"`
}

type issuePATResponse struct {
	TokenID   string    `json:"token_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleIssuePAT implements POST /v1/auth/pats: bootstrap or `*:admin`,
// ttl 5-1440 minutes per §6.
func (s *Server) handleIssuePAT(w http.ResponseWriter, r *http.Request) {
	var req issuePATRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TenantID == "" || req.Subject == "" {
		writeError(w, apierr.Validation("tenant_id", "tenant_id and subject are required"))
		return
	}

	requester := principalFrom(r.Context())
	pat, plaintext, err := s.Resolver.IssuePAT(r.Context(), req.TenantID, req.Subject, req.Scopes,
		time.Duration(req.TTLMinutes)*time.Minute, requester, r.Header.Get("X-Bootstrap-Token"), s.BootstrapSecret)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issuePATResponse{TokenID: pat.TokenID, Token: plaintext, ExpiresAt: pat.ExpiresAt})
}

type revokePATRequest struct {
	TokenID string `json:"token_id"`
}

// handleRevokePAT implements POST /v1/auth/pats/revoke (`*:admin` only,
// enforced by the route's requireGlobalAdmin wrapper).
func (s *Server) handleRevokePAT(w http.ResponseWriter, r *http.Request) {
	var req revokePATRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TokenID == "" {
		writeError(w, apierr.Validation("token_id", "token_id is required"))
		return
	}
	if err := s.Store.PATs().Revoke(r.Context(), req.TokenID, time.Now().UTC()); err != nil {
		writeError(w, apierr.Unavailable("store_error", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleSAMLMetadata(w http.ResponseWriter, r *http.Request) {
	if s.SAML == nil {
		writeError(w, apierr.NotFound("saml", "SAML is not configured"))
		return
	}
	acsURL := "https://" + r.Host + "/v1/auth/saml/acs"
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.SAML.Metadata(acsURL))
}

type samlACSRequest struct {
	TenantID     string `json:"tenant_id"`
	SAMLResponse string `json:"saml_response"`
}

func (s *Server) handleSAMLACS(w http.ResponseWriter, r *http.Request) {
	if s.SAML == nil {
		writeError(w, apierr.NotFound("saml", "SAML is not configured"))
		return
	}
	var req samlACSRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pat, plaintext, err := s.SAML.HandleACS(r.Context(), req.TenantID, req.SAMLResponse)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issuePATResponse{TokenID: pat.TokenID, Token: plaintext, ExpiresAt: pat.ExpiresAt})
}
