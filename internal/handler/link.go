package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shelfmark/shelfmark/internal/domain"
	"github.com/shelfmark/shelfmark/internal/service"
)

// LinkHandler handles account linking and profile endpoints.
type LinkHandler struct {
	auth *service.AuthService
}

// NewLinkHandler creates a new LinkHandler.
func NewLinkHandler(auth *service.AuthService) *LinkHandler {
	return &LinkHandler{auth: auth}
}

type completeLinkingRequest struct {
	LinkingToken string `json:"linking_token" validate:"required"`
}

// Complete finalizes a pending link whose token did not require a code.
func (h *LinkHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req completeLinkingRequest
	if err := decodeAndValidate(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	result, err := h.auth.CompleteLinking(r.Context(), req.LinkingToken)
	if err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, result)
}

type verifyLinkingRequest struct {
	LinkingToken string `json:"linking_token" validate:"required"`
	Code         string `json:"code" validate:"required,min=4,max=12"`
}

// Verify checks an emailed code and finalizes the pending link.
func (h *LinkHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyLinkingRequest
	if err := decodeAndValidate(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	result, err := h.auth.VerifyLinkingCode(r.Context(), req.LinkingToken, req.Code)
	if err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, result)
}

type resendLinkingRequest struct {
	LinkingToken string `json:"linking_token" validate:"required"`
}

// Resend issues a fresh verification code for a pending link.
func (h *LinkHandler) Resend(w http.ResponseWriter, r *http.Request) {
	var req resendLinkingRequest
	if err := decodeAndValidate(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	if err := h.auth.ResendLinkingCode(r.Context(), req.LinkingToken); err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

type meResponse struct {
	UserID        string          `json:"user_id"`
	Email         string          `json:"email"`
	Provider      domain.Provider `json:"provider"`
	PrimaryUserID string          `json:"primary_user_id"`
	LinkedUserIDs []string        `json:"linked_user_ids"`
	EmailVerified bool            `json:"email_verified"`
	TrustScore    int             `json:"trust_score"`
}

// Me returns the authenticated user's resolved identity.
func (h *LinkHandler) Me(w http.ResponseWriter, r *http.Request) {
	authUser, ok := GetAuthUser(r.Context())
	if !ok {
		WriteError(w, domain.ErrUnauthorized)
		return
	}

	user, err := h.auth.GetUser(r.Context(), authUser.PrimaryUserID)
	if err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, meResponse{
		UserID:        authUser.UserID,
		Email:         user.RealEmail,
		Provider:      user.Provider,
		PrimaryUserID: authUser.PrimaryUserID,
		LinkedUserIDs: authUser.LinkedUserIDs,
		EmailVerified: user.EmailVerified,
		TrustScore:    user.Metadata.TrustScore,
	})
}

// List returns the caller's linked-account edges.
func (h *LinkHandler) List(w http.ResponseWriter, r *http.Request) {
	authUser, ok := GetAuthUser(r.Context())
	if !ok {
		WriteError(w, domain.ErrUnauthorized)
		return
	}

	links, err := h.auth.ListLinks(r.Context(), authUser.PrimaryUserID)
	if err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"links": links})
}

// Unlink removes the edge between the caller's primary account and another.
func (h *LinkHandler) Unlink(w http.ResponseWriter, r *http.Request) {
	authUser, ok := GetAuthUser(r.Context())
	if !ok {
		WriteError(w, domain.ErrUnauthorized)
		return
	}

	linkedID := chi.URLParam(r, "linkedID")
	if err := h.auth.Unlink(r.Context(), authUser.PrimaryUserID, linkedID); err != nil {
		WriteError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
