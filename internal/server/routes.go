package server

import (
	"net/http"
)

// Route paths served by the relay.
const (
	PathLogin    = "/login"
	PathSaveUser = "/api/save-user"
	PathCallback = "/api/callback"
	PathHealth   = "/health"
)

// NewRouter registers every endpoint and wraps the API routes with CORS.
// Methods are checked by the handlers so a wrong method still gets the JSON
// envelope.
func NewRouter(h *Handlers, allowedOrigins []string) http.Handler {
	cors := NewCORSMiddleware(allowedOrigins)

	mux := http.NewServeMux()
	mux.Handle(PathHealth, NewHealthHandler())
	mux.HandleFunc(PathLogin, h.LoginHandler)
	mux.Handle(PathSaveUser, cors(http.HandlerFunc(h.SaveUserHandler)))
	mux.Handle(PathCallback, cors(http.HandlerFunc(h.CallbackHandler)))

	return ChainMiddleware(mux,
		NewLoggerMiddleware("http"),
		NewRecoverMiddleware("http"),
	)
}
