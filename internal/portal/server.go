package portal

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/zombor/resibo/internal/review"
)

// Server exposes the review collection over HTTP
type Server struct {
	collection *review.Collection
	service    *Service
	metrics    *Metrics
	basicAuth  BasicAuth
	mux        *http.ServeMux
	handler    http.Handler
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux. metrics may be nil.
func NewServer(collection *review.Collection, service *Service, metrics *Metrics, basicAuth BasicAuth) *Server {
	return NewServerWithMux(collection, service, metrics, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(collection *review.Collection, service *Service, metrics *Metrics, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		collection: collection,
		service:    service,
		metrics:    metrics,
		basicAuth:  basicAuth,
		mux:        mux,
	}
	s.registerRoutes()
	s.handler = s.wrap()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.basicAuth.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.basicAuth.Password)) == 1
	return userOK && passOK
}

// corsMiddleware adds CORS headers and answers preflight requests
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Resibo"`)
			writeError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/invoices", s.requireAuth(s.handleListInvoices))
	s.mux.HandleFunc("POST /api/invoices", s.requireAuth(s.handleUploadInvoice))
	s.mux.HandleFunc("POST /api/invoices/refresh", s.requireAuth(s.handleRefresh))

	s.mux.HandleFunc("GET /api/invoices/{id}", s.requireAuth(s.handleGetInvoice))
	s.mux.HandleFunc("GET /api/invoices/{id}/preview", s.requireAuth(s.handlePreview))

	s.mux.HandleFunc("PUT /api/invoices/{id}/fields/{name}", s.requireAuth(s.handleEditField))
	s.mux.HandleFunc("POST /api/invoices/{id}/fields/{name}/focus", s.requireAuth(s.handleFocusField))
	s.mux.HandleFunc("POST /api/invoices/{id}/fields/{name}/blur", s.requireAuth(s.handleBlurField))

	s.mux.HandleFunc("POST /api/invoices/{id}/commit", s.requireAuth(s.command(review.Commit{})))
	s.mux.HandleFunc("POST /api/invoices/{id}/discard", s.requireAuth(s.command(review.RequestDiscard{})))
	s.mux.HandleFunc("POST /api/invoices/{id}/discard/confirm", s.requireAuth(s.command(review.ConfirmDiscard{})))
	s.mux.HandleFunc("POST /api/invoices/{id}/discard/cancel", s.requireAuth(s.command(review.CancelDiscard{})))
	s.mux.HandleFunc("POST /api/invoices/{id}/zoom", s.requireAuth(s.command(review.OpenZoom{})))
	s.mux.HandleFunc("DELETE /api/invoices/{id}/zoom", s.requireAuth(s.command(review.CloseZoom{})))
	s.mux.HandleFunc("POST /api/invoices/{id}/image-failed", s.requireAuth(s.command(review.ImageFailed{})))

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// wrap puts the mux behind CORS and, when configured, request metrics
func (s *Server) wrap() http.Handler {
	var h http.Handler = s.corsMiddleware(s.mux)
	if s.metrics != nil {
		h = s.metrics.Middleware(h)
	}
	return h
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
