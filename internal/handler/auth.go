package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pavelanni/examhub/internal/apperr"
	"github.com/pavelanni/examhub/internal/auth"
	appI18n "github.com/pavelanni/examhub/internal/i18n"
	"github.com/pavelanni/examhub/internal/model"
)

// requireAuth is middleware that checks for a valid bearer token.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			respondError(w, r, apperr.Unauthorized("missing bearer token"))
			return
		}
		claims, err := h.tokens.Parse(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			slog.Debug("rejected token", "error", err)
			respondError(w, r, apperr.Unauthorized("invalid or expired token"))
			return
		}
		ctx := model.ContextWithPrincipal(r.Context(), claims.Principal())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin rejects callers whose token does not carry the admin flag.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := model.PrincipalFromContext(r.Context())
		if p == nil {
			respondError(w, r, apperr.Unauthorized("missing bearer token"))
			return
		}
		if !p.IsAdmin {
			respondError(w, r, apperr.Forbidden("admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token     string           `json:"token"`
	ExpiresAt time.Time        `json:"expiresAt"`
	User      *model.Principal `json:"user"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	user, err := h.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if user == nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		slog.Info("failed login", "username", req.Username)
		detail := "invalid credentials"
		writeJSON(w, http.StatusUnauthorized, Envelope{
			StatusCode: http.StatusUnauthorized,
			Message:    appI18n.T(r.Context(), "ErrBadCredentials"),
			Error:      &detail,
		})
		return
	}

	token, exp, err := h.tokens.Issue(*user)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, "LoggedIn", loginResponse{
		Token:     token,
		ExpiresAt: exp,
		User:      &model.Principal{ID: user.ID, Username: user.Username, IsAdmin: user.IsAdmin},
	})
}
