package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/resibo/internal/invoice"
	"github.com/zombor/resibo/internal/review"
	"github.com/zombor/resibo/internal/scanning"
)

var (
	// ErrIntakeDisabled is returned by Intake when no extractor is configured
	ErrIntakeDisabled = errors.New("invoice intake is not configured")
	// ErrNoMedia is returned by Preview for records without stored media
	ErrNoMedia = errors.New("invoice has no stored media")
)

// IDGenerator generates ids for new pending invoices
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// IntakeObserver is told about every intake attempt
type IntakeObserver interface {
	ObserveIntake(duration time.Duration, err error)
}

// Service takes invoice uploads in and renders stored media
type Service struct {
	store       PendingStore
	extractor   scanning.Extractor
	media       MediaStorage
	idGenerator IDGenerator
	timeSource  TimeSource
	observer    IntakeObserver
}

// NewService creates a Service with uuid ids and the wall clock.
// extractor may be nil, which disables intake.
func NewService(store PendingStore, extractor scanning.Extractor, media MediaStorage) *Service {
	return NewServiceWithDeps(store, extractor, media, uuidGenerator{}, defaultTimeSource{})
}

// NewServiceWithDeps creates a Service with custom dependencies for testing
func NewServiceWithDeps(store PendingStore, extractor scanning.Extractor, media MediaStorage, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		store:       store,
		extractor:   extractor,
		media:       media,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// SetObserver reports intake attempts to o
func (s *Service) SetObserver(o IntakeObserver) {
	s.observer = o
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
	plainExtension      = regexp.MustCompile(`^\.[a-z0-9]{1,5}$`)
)

// sanitizeFilename strips phone-camera filenames down to something short and safe
func sanitizeFilename(filename string) string {
	filename = filepath.Base(filename)
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	ext = strings.ToLower(ext)
	if !plainExtension.MatchString(ext) {
		base, ext = filename, ""
	}
	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = strings.TrimSpace(repeatedSpaces.ReplaceAllString(base, " "))

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "invoice"
	}
	return base + ext
}

// Intake stores an uploaded invoice, extracts its fields and saves it as
// a pending invoice for userID. The extracted data is stored as JSON text,
// the same shape the upstream bot writes.
func (s *Service) Intake(ctx context.Context, userID, filename string, data []byte, contentType string) (rec *invoice.RawRecord, err error) {
	if s.extractor == nil {
		return nil, ErrIntakeDisabled
	}
	if s.observer != nil {
		start := s.timeSource.Now()
		defer func() { s.observer.ObserveIntake(s.timeSource.Now().Sub(start), err) }()
	}

	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	savedPath, err := s.media.Save(fmt.Sprintf("%s_%s", id, sanitizeFilename(filename)), data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	extracted, err := s.extractor.ExtractInvoice(ctx, data, contentType)
	if err != nil {
		slog.Error("Failed to extract invoice",
			"filename", filename,
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		s.cleanup(savedPath)
		return nil, fmt.Errorf("extracting invoice: %w", err)
	}

	payload, err := encodeExtracted(extracted)
	if err != nil {
		s.cleanup(savedPath)
		return nil, err
	}

	rec = &invoice.RawRecord{
		ID:                   id,
		UserID:               userID,
		CreatedAt:            now,
		ExtractedData:        payload,
		AwaitingConfirmation: true,
		Filename:             savedPath,
		ContentType:          contentType,
	}
	if err := s.store.SavePending(ctx, rec); err != nil {
		s.cleanup(savedPath)
		return nil, fmt.Errorf("saving pending invoice: %w", err)
	}

	slog.Info("Invoice taken in",
		"id", id,
		"vendor", extracted.VendorName,
		"status", extracted.Status(),
	)
	return rec, nil
}

func (s *Service) cleanup(path string) {
	if err := s.media.Delete(path); err != nil {
		slog.Warn("Failed to delete file", "filename", path, "error", err)
	}
}

// encodeExtracted renders the record as a JSON string literal holding the
// record's JSON text
func encodeExtracted(rec *invoice.Record) (json.RawMessage, error) {
	fields := rec.AsMap()
	delete(fields, "transaction_id")
	text, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding extracted data: %w", err)
	}
	wrapped, err := json.Marshal(string(text))
	if err != nil {
		return nil, fmt.Errorf("encoding extracted data: %w", err)
	}
	return wrapped, nil
}

// Resolve clears the awaiting flag of an invoice the executor accepted. A
// discarded invoice also loses its locally stored media.
func (s *Service) Resolve(ctx context.Context, raw invoice.RawRecord, outcome review.Outcome) error {
	if err := s.store.Resolve(ctx, raw.ID); err != nil {
		return fmt.Errorf("resolving pending invoice: %w", err)
	}
	if outcome == review.Discarded && raw.Filename != "" {
		s.cleanup(raw.Filename)
	}
	slog.Info("Invoice resolved", "id", raw.ID, "outcome", outcome)
	return nil
}

// Preview renders the invoice's stored media as PNG
func (s *Service) Preview(raw invoice.RawRecord) ([]byte, error) {
	if raw.Filename == "" {
		return nil, ErrNoMedia
	}
	data, err := s.media.Get(raw.Filename)
	if err != nil {
		return nil, fmt.Errorf("getting invoice file: %w", err)
	}
	png, err := scanning.ToPNG(data, raw.ContentType)
	if err != nil {
		return nil, fmt.Errorf("rendering preview: %w", err)
	}
	return png, nil
}
