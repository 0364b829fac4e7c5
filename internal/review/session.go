package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zombor/resibo/internal/action"
	"github.com/zombor/resibo/internal/invoice"
)

// State is the action state of an edit session
type State int

const (
	Idle State = iota
	ConfirmingDiscard
	Committing
	Discarding
	Removed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ConfirmingDiscard:
		return "confirming_discard"
	case Committing:
		return "committing"
	case Discarding:
		return "discarding"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state for JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrBusy          = errors.New("an action is in progress")
	ErrRemoved       = errors.New("invoice has been removed")
	ErrConfirming    = errors.New("discard is awaiting confirmation")
	ErrNotConfirming = errors.New("discard was not requested")
	ErrUnknownField  = errors.New("unknown field")
	ErrReadOnlyField = errors.New("field is read-only")
	ErrInvalidValue  = errors.New("invalid value")
	ErrNotFocused    = errors.New("field does not have focus")
	ErrActionFailed  = errors.New("action failed")
)

// Error message prefixes for failed actions
const (
	commitFailedPrefix  = "Save failed: "
	discardFailedPrefix = "Cancel failed: "
)

// Outcome names the accepted action that removed an invoice
type Outcome int

const (
	Committed Outcome = iota + 1
	Discarded
)

func (o Outcome) String() string {
	switch o {
	case Committed:
		return "committed"
	case Discarded:
		return "discarded"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// RemovedFunc is called once the executor has accepted a commit or discard
type RemovedFunc func(ctx context.Context, raw invoice.RawRecord, outcome Outcome)

// Actions performs the remote commit and discard calls
type Actions interface {
	Commit(ctx context.Context, pendingID string, record invoice.Record, token string) action.Result
	Discard(ctx context.Context, pendingID, fileID, token string) action.Result
}

// Session holds the editable state of one pending invoice. All changes go
// through Dispatch; the lock is never held across a remote call.
type Session struct {
	raw       invoice.RawRecord
	fileID    string
	actions   Actions
	token     string
	onRemoved RemovedFunc

	mu          sync.Mutex
	record      invoice.Record
	state       State
	focus       string
	input       CurrencyInput
	err         string
	warnings    map[string]string
	zoomed      bool
	imageFailed bool
}

// NewSession normalizes raw into a fresh, idle session
func NewSession(raw invoice.RawRecord, actions Actions, token string, onRemoved RemovedFunc) *Session {
	return &Session{
		raw:       raw,
		fileID:    invoice.BestFileID(raw),
		actions:   actions,
		token:     token,
		onRemoved: onRemoved,
		record:    invoice.Normalize(raw),
		warnings:  map[string]string{},
	}
}

// ID returns the pending record id
func (s *Session) ID() string {
	return s.raw.ID
}

// Raw returns the record the session was created from
func (s *Session) Raw() invoice.RawRecord {
	return s.raw
}

// InFlight reports whether a commit or discard is waiting on the executor
func (s *Session) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Committing || s.state == Discarding
}

// Dispatch applies one command
func (s *Session) Dispatch(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case EditField:
		return s.editField(c.Name, c.Value)
	case FocusField:
		return s.focusField(c.Name)
	case BlurField:
		return s.blurField(c.Name)
	case Commit:
		return s.commit(ctx)
	case RequestDiscard:
		return s.requestDiscard()
	case CancelDiscard:
		return s.cancelDiscard()
	case ConfirmDiscard:
		return s.confirmDiscard(ctx)
	case OpenZoom:
		return s.setZoom(true)
	case CloseZoom:
		return s.setZoom(false)
	case ImageFailed:
		return s.markImageFailed()
	default:
		return fmt.Errorf("unknown command %T", cmd)
	}
}

// EditField sets one field
func (s *Session) EditField(name, value string) error {
	return s.Dispatch(context.Background(), EditField{Name: name, Value: value})
}

// Commit writes the current fields downstream
func (s *Session) Commit(ctx context.Context) error {
	return s.Dispatch(ctx, Commit{})
}

// RequestDiscard asks for confirmation before discarding
func (s *Session) RequestDiscard() error {
	return s.Dispatch(context.Background(), RequestDiscard{})
}

// CancelDiscard keeps the invoice
func (s *Session) CancelDiscard() error {
	return s.Dispatch(context.Background(), CancelDiscard{})
}

// ConfirmDiscard discards the invoice and its stored media
func (s *Session) ConfirmDiscard(ctx context.Context) error {
	return s.Dispatch(ctx, ConfirmDiscard{})
}

// requireIdle reports why the session cannot be edited right now.
// Caller holds mu.
func (s *Session) requireIdle() error {
	switch s.state {
	case Idle:
		return nil
	case ConfirmingDiscard:
		return ErrConfirming
	case Committing, Discarding:
		return ErrBusy
	default:
		return ErrRemoved
	}
}

func (s *Session) editField(name, value string) error {
	f, err := lookupField(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireIdle(); err != nil {
		return err
	}

	if f.kind != kindMoney {
		return f.set(&s.record, name, value)
	}

	if s.focus == name {
		s.input = s.input.Type(value)
		return nil
	}
	// An unfocused money edit behaves like focus, type, blur.
	s.applyMoney(name, f, Editing(value))
	return nil
}

func (s *Session) focusField(name string) error {
	f, err := lookupField(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireIdle(); err != nil {
		return err
	}
	if s.focus == name {
		return nil
	}
	s.blurLocked()
	s.focus = name
	if f.kind == kindMoney {
		s.input = Display(*f.money(&s.record)).Focus(*f.money(&s.record))
	}
	return nil
}

func (s *Session) blurField(name string) error {
	if _, err := lookupField(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireIdle(); err != nil {
		return err
	}
	if s.focus != name {
		return fmt.Errorf("%w: %s", ErrNotFocused, name)
	}
	s.blurLocked()
	return nil
}

// blurLocked folds a pending money buffer back into the record. Caller holds mu.
func (s *Session) blurLocked() {
	if s.focus == "" {
		return
	}
	name := s.focus
	s.focus = ""
	f := editableFields[name]
	if f.kind == kindMoney {
		s.applyMoney(name, f, s.input)
	}
	s.input = CurrencyInput{}
}

// applyMoney parses input into the named field. Caller holds mu.
func (s *Session) applyMoney(name string, f field, input CurrencyInput) {
	v, _, err := input.Blur()
	*f.money(&s.record) = v
	if err != nil {
		s.warnings[name] = fmt.Sprintf("%q is not an amount, saved as %s", input.Text, invoice.FormatCurrency(0))
		slog.Debug("Unparsable amount", "id", s.raw.ID, "field", name, "text", input.Text)
		return
	}
	delete(s.warnings, name)
}

func (s *Session) commit(ctx context.Context) error {
	s.mu.Lock()
	if err := s.requireIdle(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.blurLocked()
	s.state = Committing
	s.err = ""
	snapshot := s.record.Clone()
	s.mu.Unlock()

	result := s.actions.Commit(ctx, s.raw.ID, snapshot, s.token)
	return s.finish(ctx, result, commitFailedPrefix, Committed)
}

func (s *Session) requestDiscard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireIdle(); err != nil {
		return err
	}
	s.blurLocked()
	s.state = ConfirmingDiscard
	return nil
}

func (s *Session) cancelDiscard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConfirming(); err != nil {
		return err
	}
	s.state = Idle
	return nil
}

func (s *Session) confirmDiscard(ctx context.Context) error {
	s.mu.Lock()
	if err := s.requireConfirming(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = Discarding
	s.err = ""
	s.mu.Unlock()

	result := s.actions.Discard(ctx, s.raw.ID, s.fileID, s.token)
	return s.finish(ctx, result, discardFailedPrefix, Discarded)
}

// requireConfirming guards the second step of a discard. Caller holds mu.
func (s *Session) requireConfirming() error {
	switch s.state {
	case ConfirmingDiscard:
		return nil
	case Idle:
		return ErrNotConfirming
	case Committing, Discarding:
		return ErrBusy
	default:
		return ErrRemoved
	}
}

// finish applies the outcome of a commit or discard
func (s *Session) finish(ctx context.Context, result action.Result, prefix string, outcome Outcome) error {
	s.mu.Lock()
	if !result.Success {
		s.state = Idle
		s.err = prefix + result.Error
		msg := s.err
		s.mu.Unlock()
		slog.Warn("Invoice action failed", "id", s.raw.ID, "error", msg)
		return fmt.Errorf("%w: %s", ErrActionFailed, msg)
	}

	s.state = Removed
	s.zoomed = false
	onRemoved := s.onRemoved
	s.mu.Unlock()

	if onRemoved != nil {
		onRemoved(ctx, s.raw, outcome)
	}
	return nil
}

func (s *Session) setZoom(open bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Removed {
		return ErrRemoved
	}
	s.zoomed = open
	return nil
}

func (s *Session) markImageFailed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Removed {
		return ErrRemoved
	}
	s.imageFailed = true
	s.zoomed = false
	return nil
}

// View is a point-in-time rendering of a session
type View struct {
	ID            string                   `json:"id"`
	CreatedAt     time.Time                `json:"created_at"`
	State         State                    `json:"state"`
	Record        invoice.Record           `json:"record"`
	Status        invoice.Verdict          `json:"status"`
	Money         map[string]CurrencyInput `json:"money"`
	DateInput     string                   `json:"date_input"`
	Focus         string                   `json:"focus,omitempty"`
	Error         string                   `json:"error,omitempty"`
	Warnings      map[string]string        `json:"warnings,omitempty"`
	Zoomed        bool                     `json:"zoomed"`
	ImageFailed   bool                     `json:"image_failed"`
	Busy          bool                     `json:"busy"`
	HasLocalMedia bool                     `json:"has_local_media"`
}

// Snapshot returns the current view of the session
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	money := make(map[string]CurrencyInput, len(MoneyFields))
	for _, name := range MoneyFields {
		if s.focus == name {
			money[name] = s.input
			continue
		}
		money[name] = Display(*editableFields[name].money(&s.record))
	}

	var warnings map[string]string
	if len(s.warnings) > 0 {
		warnings = make(map[string]string, len(s.warnings))
		for k, v := range s.warnings {
			warnings[k] = v
		}
	}

	return View{
		ID:            s.raw.ID,
		CreatedAt:     s.raw.CreatedAt,
		State:         s.state,
		Record:        s.record.Clone(),
		Status:        s.record.Status(),
		Money:         money,
		DateInput:     invoice.DateToEditFormat(s.record.Date),
		Focus:         s.focus,
		Error:         s.err,
		Warnings:      warnings,
		Zoomed:        s.zoomed,
		ImageFailed:   s.imageFailed,
		Busy:          s.state == Committing || s.state == Discarding,
		HasLocalMedia: s.raw.Filename != "",
	}
}
