package portal

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/resibo/internal/review"
)

const maxUploadSize = int64(50 << 20) // high-resolution phone photos

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps a session error onto an HTTP status. A failed remote
// action is session state, so it is not a transport error.
func statusFor(err error) int {
	switch {
	case err == nil, errors.Is(err, review.ErrActionFailed):
		return http.StatusOK
	case errors.Is(err, review.ErrUnknownField),
		errors.Is(err, review.ErrReadOnlyField),
		errors.Is(err, review.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, review.ErrBusy),
		errors.Is(err, review.ErrRemoved),
		errors.Is(err, review.ErrConfirming),
		errors.Is(err, review.ErrNotConfirming),
		errors.Is(err, review.ErrNotFocused):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*review.Session, bool) {
	sess, ok := s.collection.Session(r.PathValue("id"))
	if !ok {
		writeError(w, "Invoice not found", http.StatusNotFound)
	}
	return sess, ok
}

// dispatch runs cmd against the addressed session and answers with its view
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, cmd review.Command) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	err := sess.Dispatch(r.Context(), cmd)
	status := statusFor(err)
	if status != http.StatusOK {
		if status == http.StatusInternalServerError {
			slog.Error("Error handling invoice command", "id", sess.ID(), "error", err)
		}
		writeError(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// command returns a handler dispatching a fixed, field-less command
func (s *Server) command(cmd review.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.dispatch(w, r, cmd)
	}
}

// handleListInvoices returns the collection, loading it on first use
func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	if !s.collection.Loaded() {
		// a failure is carried in the returned state
		_ = s.collection.Refresh(r.Context())
	}
	writeJSON(w, http.StatusOK, s.collection.Snapshot())
}

// handleRefresh refetches the pending list
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	_ = s.collection.Refresh(r.Context())
	writeJSON(w, http.StatusOK, s.collection.Snapshot())
}

// handleGetInvoice returns a single session view
func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleEditField(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value *string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	s.dispatch(w, r, review.EditField{Name: r.PathValue("name"), Value: *req.Value})
}

func (s *Server) handleFocusField(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, review.FocusField{Name: r.PathValue("name")})
}

func (s *Server) handleBlurField(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, review.BlurField{Name: r.PathValue("name")})
}

// handlePreview renders the invoice media as PNG for the inspection panel
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	data, err := s.service.Preview(sess.Raw())
	if err != nil {
		if errors.Is(err, ErrNoMedia) {
			writeError(w, "No image stored for this invoice", http.StatusNotFound)
			return
		}
		slog.Error("Error rendering preview", "id", sess.ID(), "error", err)
		writeError(w, "Image could not be rendered", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.Write(data)
}

// contentTypeFor guesses a MIME type from the file extension
func contentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleUploadInvoice takes an invoice image or PDF in and refreshes the list
func (s *Server) handleUploadInvoice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		message := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			message = "File is too large. Maximum size is 50MB. Please compress or resize your image."
		}
		writeError(w, message, http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		message := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			message = "No file was selected. Please choose a file to upload."
		}
		writeError(w, message, http.StatusBadRequest)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = contentTypeFor(header.Filename)
	}

	rec, err := s.service.Intake(r.Context(), s.collection.UserID(), header.Filename, data, contentType)
	if err != nil {
		if errors.Is(err, ErrIntakeDisabled) {
			writeError(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		slog.Error("Error taking invoice in", "filename", header.Filename, "error", err)
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	// other sessions keep their unsaved edits; an unloaded list picks it up on first fetch
	if s.collection.Loaded() {
		s.collection.Add(*rec)
	}
	writeJSON(w, http.StatusCreated, rec)
}
