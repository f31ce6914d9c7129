package server

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/teemow/mailboxauth/internal/config"
	"github.com/teemow/mailboxauth/internal/connections"
	"github.com/teemow/mailboxauth/internal/logging"
	"github.com/teemow/mailboxauth/internal/oauth"
	"github.com/teemow/mailboxauth/internal/storage"
	"github.com/teemow/mailboxauth/internal/tokens"
)

// apiHandler implements the OAuth and connection routes.
type apiHandler struct {
	sc *ServerContext
}

type authorizeResponse struct {
	AuthURL   string    `json:"auth_url"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
	ExpiresIn int64     `json:"expires_in"`
}

// authorize starts an authorization. Browsers are redirected to the consent
// page; API clients asking for JSON get the URL.
func (h *apiHandler) authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}
	scopes := config.ParseList(strings.Join(q["scope"], ","))

	req, err := h.sc.Controller().BeginAuthorization(r.Context(), userID, scopes, q.Get("redirect_uri"))
	if err != nil {
		h.internalError(w, r, "authorize", err)
		return
	}

	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, authorizeResponse{
			AuthURL:   req.URL,
			State:     req.StateToken,
			ExpiresAt: req.ExpiresAt,
			ExpiresIn: int64(time.Until(req.ExpiresAt) / time.Second),
		})
		return
	}
	http.Redirect(w, r, req.URL, http.StatusFound)
}

type callbackResponse struct {
	Success      bool   `json:"success"`
	ConnectionID string `json:"connection_id,omitempty"`
	AccountEmail string `json:"gmail_address,omitempty"`
	Error        string `json:"error,omitempty"`
	Description  string `json:"error_description,omitempty"`
}

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{if .Success}}Connected{{else}}Connection failed{{end}}</title>
<style>body{font-family:sans-serif;max-width:32em;margin:4em auto;text-align:center}</style></head>
<body>{{if .Success}}<h1>Mailbox connected</h1><p>{{.AccountEmail}} is now connected. You can close this window.</p>
{{else}}<h1>Connection failed</h1><p>{{.Description}}</p><p>Please start the connection again.</p>{{end}}</body></html>
`))

// callback completes an authorization. A provider-side error such as a
// denied consent still consumes the state.
func (h *apiHandler) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	if providerErr := q.Get("error"); providerErr != "" {
		code = ""
		h.sc.Logger().Info("provider returned an authorization error", slog.String("provider_error", providerErr))
	}

	conn, err := h.sc.Controller().CompleteAuthorization(r.Context(), code, q.Get("state"))
	if err != nil {
		ae, ok := oauth.AsAuthError(err)
		if !ok {
			h.internalError(w, r, "callback", err)
			return
		}
		resp := callbackResponse{Error: string(ae.Code), Description: ae.Message}
		if providerErr := q.Get("error"); providerErr != "" {
			resp.Description = "authorization was not granted: " + providerErr
		}
		h.renderCallback(w, r, http.StatusBadRequest, resp)
		return
	}

	h.renderCallback(w, r, http.StatusOK, callbackResponse{
		Success:      true,
		ConnectionID: conn.ID,
		AccountEmail: conn.AccountAddress,
	})
}

func (h *apiHandler) renderCallback(w http.ResponseWriter, r *http.Request, status int, resp callbackResponse) {
	if wantsJSON(r) || !strings.Contains(r.Header.Get("Accept"), "text/html") {
		writeJSON(w, status, resp)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = callbackPage.Execute(w, resp)
}

func (h *apiHandler) listConnections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	includeInactive, _ := strconv.ParseBool(q.Get("include_inactive"))

	infos, err := h.sc.Connections().ListConnections(r.Context(), q.Get("user_id"), includeInactive)
	if err != nil {
		h.internalError(w, r, "list_connections", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": infos})
}

func (h *apiHandler) checkConnection(w http.ResponseWriter, r *http.Request) {
	status, err := h.sc.Connections().CheckConnection(r.Context(), r.PathValue("id"))
	if err != nil {
		h.connectionError(w, r, "check_connection", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type refreshResponse struct {
	ConnectionID string    `json:"connection_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (h *apiHandler) refreshConnection(w http.ResponseWriter, r *http.Request) {
	tok, err := h.sc.Coordinator().ForceRefresh(r.Context(), r.PathValue("id"))
	if err != nil {
		h.connectionError(w, r, "refresh_connection", err)
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{ConnectionID: tok.ConnectionID, ExpiresAt: tok.ExpiresAt})
}

func (h *apiHandler) disconnect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	revoke := true
	if v := q.Get("revoke"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "revoke must be a boolean")
			return
		}
		revoke = parsed
	}
	var opts []connections.DisconnectOption
	if purge, _ := strconv.ParseBool(q.Get("purge")); purge {
		opts = append(opts, connections.WithPurge())
	}

	result, err := h.sc.Connections().Disconnect(r.Context(), r.PathValue("id"), revoke, opts...)
	if err != nil {
		h.connectionError(w, r, "disconnect", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// connectionError maps errors of the connection routes to responses.
func (h *apiHandler) connectionError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var te *tokens.TokenError
	switch {
	case errors.Is(err, storage.ErrConnectionNotFound):
		writeError(w, http.StatusNotFound, "not_found", "connection not found")
	case errors.Is(err, tokens.ErrWaitTimeout):
		writeError(w, http.StatusGatewayTimeout, "timeout", "token refresh is still in progress")
	case errors.As(err, &te):
		status := http.StatusConflict
		if te.Kind.Retryable() {
			status = http.StatusBadGateway
		}
		writeError(w, status, string(te.Kind), te.Reason)
	default:
		h.internalError(w, r, op, err)
	}
}

func (h *apiHandler) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.sc.Logger().ErrorContext(r.Context(), "request failed", logging.Operation(op), logging.Err(err))
	writeError(w, http.StatusInternalServerError, "server_error", "internal error")
}

func wantsJSON(r *http.Request) bool {
	return r.URL.Query().Get("format") == "json" ||
		strings.Contains(r.Header.Get("Accept"), "application/json")
}
