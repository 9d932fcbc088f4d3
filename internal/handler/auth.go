package handler

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/shelfmark/shelfmark/internal/domain"
	"github.com/shelfmark/shelfmark/internal/service"
)

// AuthHandler handles authentication endpoints.
type AuthHandler struct {
	auth  *service.AuthService
	oauth *service.OAuthClient
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(auth *service.AuthService, oauth *service.OAuthClient) *AuthHandler {
	return &AuthHandler{auth: auth, oauth: oauth}
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

// Register creates a local password identity.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeAndValidate(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	result, err := h.auth.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, result)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Login authenticates a local password identity.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeAndValidate(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	result, err := h.auth.PasswordLogin(r.Context(), req.Email, req.Password)
	if err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, result)
}

// GoogleRedirect redirects the user to Google's OAuth consent page.
func (h *AuthHandler) GoogleRedirect(w http.ResponseWriter, r *http.Request) {
	state := generateState()
	setStateCookie(w, state)
	http.Redirect(w, r, h.oauth.GoogleAuthURL(state), http.StatusTemporaryRedirect)
}

// GoogleCallback handles the OAuth callback from Google.
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	code, ok := h.callbackCode(w, r)
	if !ok {
		return
	}

	input, err := h.oauth.ExchangeGoogle(r.Context(), code)
	if err != nil {
		WriteError(w, err)
		return
	}

	h.finishOAuth(w, r, input)
}

// GitHubRedirect redirects the user to GitHub's OAuth consent page.
func (h *AuthHandler) GitHubRedirect(w http.ResponseWriter, r *http.Request) {
	state := generateState()
	setStateCookie(w, state)
	http.Redirect(w, r, h.oauth.GitHubAuthURL(state), http.StatusTemporaryRedirect)
}

// GitHubCallback handles the OAuth callback from GitHub.
func (h *AuthHandler) GitHubCallback(w http.ResponseWriter, r *http.Request) {
	code, ok := h.callbackCode(w, r)
	if !ok {
		return
	}

	input, err := h.oauth.ExchangeGitHub(r.Context(), code)
	if err != nil {
		WriteError(w, err)
		return
	}

	h.finishOAuth(w, r, input)
}

func (h *AuthHandler) finishOAuth(w http.ResponseWriter, r *http.Request, input *service.OAuthLoginInput) {
	result, err := h.auth.OAuthLogin(r.Context(), *input)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// callbackCode validates the OAuth state and extracts the authorization code.
// Bot-shaped callbacks (crawler user agents, missing code/state) get a bare
// 404 so scanners learn nothing about the auth system's shape.
func (h *AuthHandler) callbackCode(w http.ResponseWriter, r *http.Request) (string, bool) {
	if isCrawler(r.UserAgent()) {
		http.NotFound(w, r)
		return "", false
	}

	code := r.URL.Query().Get("code")
	queryState := r.URL.Query().Get("state")
	if code == "" || queryState == "" {
		http.NotFound(w, r)
		return "", false
	}

	cookie, err := r.Cookie("oauth_state")
	if err != nil || cookie.Value != queryState {
		WriteError(w, fmt.Errorf("%w: state mismatch", domain.ErrInvalidInput))
		return "", false
	}

	return code, true
}

var crawlerAgents = []string{
	"bot", "crawler", "spider", "slurp", "curl/", "wget/",
	"facebookexternalhit", "headlesschrome",
}

func isCrawler(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, marker := range crawlerAgents {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	return false
}

func setStateCookie(w http.ResponseWriter, state string) {
	http.SetCookie(w, &http.Cookie{
		Name:     "oauth_state",
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   600,
	})
}

func generateState() string {
	b := make([]byte, 32)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
