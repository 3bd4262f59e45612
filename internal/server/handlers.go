package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dodobot/authrelay/internal/callback"
	"github.com/dodobot/authrelay/internal/gateway"
	jsonwriter "github.com/dodobot/authrelay/internal/json"
	"github.com/dodobot/authrelay/internal/log"
	"github.com/dodobot/authrelay/internal/oauth"
)

// maxRequestBody bounds JSON bodies on the API endpoints.
const maxRequestBody = 64 << 10

// Flow is the login flow the handlers drive.
type Flow interface {
	Begin(ctx context.Context, identity, region string) (*oauth.Login, *gateway.Result)
	Save(ctx context.Context, identity, state, region string) *gateway.Result
	Complete(ctx context.Context, req callback.Request) *gateway.Result
}

var _ Flow = (*gateway.Gateway)(nil)

// Handlers serves the login, save-user and callback endpoints.
type Handlers struct {
	flow Flow
}

// NewHandlers creates the HTTP handlers over flow.
func NewHandlers(flow Flow) *Handlers {
	return &Handlers{flow: flow}
}

// LoginHandler persists a fresh state for ?chat_id=&country= and redirects
// the browser to the region's authorize endpoint.
func (h *Handlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		jsonwriter.WriteMethodNotAllowed(w, http.MethodGet)
		return
	}

	q := r.URL.Query()
	login, res := h.flow.Begin(r.Context(), q.Get("chat_id"), q.Get("country"))
	if res != nil {
		writeFailure(w, res)
		return
	}

	log.LogInfoWithFields("login", "Redirecting to authorize endpoint", map[string]any{
		"chat_id": login.Identity,
		"region":  login.Region.String(),
		"state":   log.Redact(login.State),
	})

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, login.AuthorizeURL, http.StatusFound)
}

// chatID accepts a JSON number or a JSON string.
type chatID string

func (c *chatID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = chatID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("chat_id must be a number or a string")
	}
	*c = chatID(n.String())
	return nil
}

type saveUserRequest struct {
	ChatID  chatID `json:"chat_id"`
	State   string `json:"state"`
	Country string `json:"country"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// SaveUserHandler stores a state generated by the login page for a chat id.
func (h *Handlers) SaveUserHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonwriter.WriteMethodNotAllowed(w, http.MethodPost)
		return
	}

	var req saveUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		log.LogDebugWithFields("save_user", "Rejected request body", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteBadRequest(w, gateway.MessageInvalidInput, err.Error())
		return
	}

	res := h.flow.Save(r.Context(), string(req.ChatID), req.State, req.Country)
	if !res.Success() {
		writeFailure(w, res)
		return
	}

	_ = jsonwriter.Write(w, messageResponse{Message: res.Message})
}

type callbackSuccess struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type callbackRejected struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Status  int    `json:"status"`
	Backend any    `json:"backend"`
	Outcome string `json:"outcome"`
}

// CallbackHandler completes a login: it resolves {state, code} to the chat
// id that started it and relays the code to the backend.
func (h *Handlers) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonwriter.WriteMethodNotAllowed(w, http.MethodPost)
		return
	}

	var req callback.Request
	if err := decodeJSON(w, r, &req); err != nil {
		// an unreadable body carries neither state nor code
		log.LogDebugWithFields("callback", "Unreadable callback body", map[string]any{
			"error": err.Error(),
		})
		req = callback.Request{}
	}

	res := h.flow.Complete(r.Context(), req)
	switch {
	case res.Success():
		_ = jsonwriter.Write(w, callbackSuccess{Success: true, Message: res.Message})
	case res.Kind == gateway.KindBackendRejected:
		_ = jsonwriter.WriteResponse(w, res.HTTPStatus(), callbackRejected{
			Success: false,
			Error:   res.Message,
			Status:  res.BackendStatus,
			Backend: res.Backend,
			Outcome: string(res.Kind),
		})
	default:
		writeFailure(w, res)
	}
}

// writeFailure renders a failed result as the error envelope. Details are
// only exposed for server-side failures and validation hints.
func writeFailure(w http.ResponseWriter, res *gateway.Result) {
	details := ""
	switch res.Kind {
	case gateway.KindInvalidInput, gateway.KindStorageError,
		gateway.KindBackendTimeout, gateway.KindBackendTransport:
		details = res.Details
	}
	jsonwriter.WriteError(w, res.HTTPStatus(), res.Message, details)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("request body is empty")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		}
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// HealthHandler handles health check requests
type HealthHandler struct{}

// NewHealthHandler creates a new health handler
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

// ServeHTTP implements http.Handler for health checks
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
