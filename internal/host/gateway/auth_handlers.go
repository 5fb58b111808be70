package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

const sessionCookieName = "kr_session"

func (g *Gateway) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated": p.Role != models.RoleAnonymous,
		"role":          p.Role,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin implements POST /api/auth/login (§4.10).
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	sess, err := g.authSvc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		g.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
	})
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "logged in"})
}

func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookieName); err == nil {
		_ = g.authSvc.Logout(r.Context(), c.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: "", MaxAge: -1, Path: "/"})
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

type registerRequest struct {
	Username        string `json:"username"`
	Password        string `json:"password"`
	InvitationToken string `json:"invitation_token"`
}

// handleAuthRegister implements POST /api/auth/register. Without an
// invitation token, registration grants viewer (the lowest authenticated
// role); any elevated role requires an invitation (§4.10).
func (g *Gateway) handleAuthRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	u, err := g.authSvc.Register(r.Context(), req.Username, req.Password, req.InvitationToken, models.RoleViewer)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	g.writeJSON(w, http.StatusCreated, map[string]interface{}{"id": u.ID, "username": u.Username, "role": u.Role})
}

func (g *Gateway) handleAuthMe(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if p.Role == models.RoleAnonymous {
		g.writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": p.UserID, "role": p.Role})
}

type createTokenRequest struct {
	Name string `json:"name"`
}

// handleCreateToken implements POST /api/auth/tokens, returning the
// plaintext exactly once (§4.10).
func (g *Gateway) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if p.Role == models.RoleAnonymous {
		g.writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	plaintext, tok, err := g.authSvc.CreateAPIToken(r.Context(), p.UserID, req.Name)
	if err != nil {
		g.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.writeJSON(w, http.StatusCreated, map[string]interface{}{"token": plaintext, "id": tok.ID, "name": tok.Name})
}

func (g *Gateway) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if p.Role == models.RoleAnonymous {
		g.writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	id, err := parseID(r, "id")
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed token id")
		return
	}
	if err := g.authSvc.RevokeAPIToken(r.Context(), id); err != nil {
		g.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createInvitationRequest struct {
	Role      models.Role   `json:"role"`
	Group     string        `json:"group"`
	MaxUsage  int           `json:"max_usage"`
	TTLHours  int           `json:"ttl_hours"`
}

// handleCreateInvitation implements POST /api/auth/invitations. Operators
// may only mint viewer invitations; admins may mint any role (§4.10).
func (g *Gateway) handleCreateInvitation(w http.ResponseWriter, r *http.Request) {
	p, ok := g.requireRole(w, r, models.RoleOperator)
	if !ok {
		return
	}

	var req createInvitationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.TTLHours <= 0 {
		req.TTLHours = 24
	}
	if req.MaxUsage <= 0 {
		req.MaxUsage = 1
	}

	inv, err := g.authSvc.CreateInvitation(r.Context(), p.Role, req.Role, req.Group, req.MaxUsage, time.Duration(req.TTLHours)*time.Hour)
	if err != nil {
		g.writeError(w, http.StatusForbidden, err.Error())
		return
	}
	g.writeJSON(w, http.StatusCreated, inv)
}
