package review

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zombor/resibo/internal/invoice"
)

// PendingLister reads the invoices awaiting confirmation for a user, newest first
type PendingLister interface {
	ListPending(ctx context.Context, userID string) ([]invoice.RawRecord, error)
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// RefreshObserver is told about every completed fetch
type RefreshObserver interface {
	ObserveRefresh(duration time.Duration, count int, err error)
}

// Resolver records an accepted action locally so the invoice stays gone
type Resolver interface {
	Resolve(ctx context.Context, raw invoice.RawRecord, outcome Outcome) error
}

// User is the logged-in reviewer
type User struct {
	ID    string
	Token string
}

// Collection owns the list of pending invoices for one user and an edit
// session per listed invoice.
type Collection struct {
	user     User
	lister   PendingLister
	actions  Actions
	clock    TimeSource
	observer RefreshObserver
	resolver Resolver
	group    singleflight.Group

	mu            sync.Mutex
	records       []invoice.RawRecord
	sessions      map[string]*Session
	gone          map[string]bool // removed since the current fetch started
	loading       bool
	loaded        bool
	err           string
	lastRefreshed time.Time
}

// Option configures a Collection
type Option func(*Collection)

// WithTimeSource overrides the clock used for refresh timestamps
func WithTimeSource(ts TimeSource) Option {
	return func(c *Collection) { c.clock = ts }
}

// WithRefreshObserver reports fetches to o
func WithRefreshObserver(o RefreshObserver) Option {
	return func(c *Collection) { c.observer = o }
}

// WithResolver has r persist every accepted commit or discard
func WithResolver(r Resolver) Option {
	return func(c *Collection) { c.resolver = r }
}

// NewCollection creates an empty, not yet loaded collection
func NewCollection(user User, lister PendingLister, actions Actions, opts ...Option) *Collection {
	c := &Collection{
		user:     user,
		lister:   lister,
		actions:  actions,
		clock:    defaultTimeSource{},
		sessions: map[string]*Session{},
		gone:     map[string]bool{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh fetches the pending list. On success the list and all sessions are
// replaced, except sessions with a commit or discard still in flight; on
// failure the previous list stays and the error is recorded.
// Concurrent calls share one fetch.
func (c *Collection) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		return nil, c.refresh(ctx)
	})
	return err
}

func (c *Collection) refresh(ctx context.Context) error {
	c.mu.Lock()
	c.loading = true
	c.err = ""
	c.gone = map[string]bool{}
	c.mu.Unlock()

	start := c.clock.Now()
	records, err := c.lister.ListPending(ctx, c.user.ID)
	if c.observer != nil {
		c.observer.ObserveRefresh(c.clock.Now().Sub(start), len(records), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.loading = false

	if err != nil {
		c.err = err.Error()
		slog.Error("Failed to fetch pending invoices", "user", c.user.ID, "error", err)
		return fmt.Errorf("fetching pending invoices: %w", err)
	}

	kept := make([]invoice.RawRecord, 0, len(records))
	sessions := make(map[string]*Session, len(records))
	for _, raw := range records {
		if c.gone[raw.ID] {
			continue
		}
		kept = append(kept, raw)
		// a commit or discard still waiting on the executor keeps its session
		if old, ok := c.sessions[raw.ID]; ok && old.InFlight() {
			sessions[raw.ID] = old
			continue
		}
		sessions[raw.ID] = NewSession(raw, c.actions, c.user.Token, c.evict)
	}
	c.records = kept
	c.sessions = sessions
	c.loaded = true
	c.lastRefreshed = c.clock.Now()
	return nil
}

// Remove drops an invoice from the local list. It makes no remote call.
func (c *Collection) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := make([]invoice.RawRecord, 0, len(c.records))
	removed := false
	for _, r := range c.records {
		if r.ID == id {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	c.records = kept
	delete(c.sessions, id)
	return removed
}

// Add puts a newly taken in invoice at the top of the list, leaving the
// other sessions as they are. It returns false if the invoice is already listed.
func (c *Collection) Add(raw invoice.RawRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[raw.ID]; ok {
		return false
	}
	c.records = append([]invoice.RawRecord{raw}, c.records...)
	c.sessions[raw.ID] = NewSession(raw, c.actions, c.user.Token, c.evict)
	return true
}

// evict runs after the executor accepted an action on raw
func (c *Collection) evict(ctx context.Context, raw invoice.RawRecord, outcome Outcome) {
	if c.resolver != nil {
		if err := c.resolver.Resolve(ctx, raw, outcome); err != nil {
			slog.Error("Failed to resolve invoice", "id", raw.ID, "outcome", outcome, "error", err)
		}
	}

	c.mu.Lock()
	c.gone[raw.ID] = true
	c.mu.Unlock()
	c.Remove(raw.ID)
}

// Session returns the edit session of a listed invoice
func (c *Collection) Session(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// UserID returns the reviewer the collection belongs to
func (c *Collection) UserID() string {
	return c.user.ID
}

// Loaded reports whether a fetch has ever succeeded
func (c *Collection) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

// CollectionState is a point-in-time view of the collection
type CollectionState struct {
	Invoices      []View    `json:"invoices"`
	Loading       bool      `json:"loading"`
	Loaded        bool      `json:"loaded"`
	Error         string    `json:"error,omitempty"`
	LastRefreshed time.Time `json:"last_refreshed"`
}

// IDs returns the listed invoice ids in display order
func (c *Collection) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, len(c.records))
	for i, r := range c.records {
		ids[i] = r.ID
	}
	return ids
}

// Snapshot renders the list and every session in display order
func (c *Collection) Snapshot() CollectionState {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.records))
	for _, r := range c.records {
		if s, ok := c.sessions[r.ID]; ok {
			sessions = append(sessions, s)
		}
	}
	st := CollectionState{
		Loading:       c.loading,
		Loaded:        c.loaded,
		Error:         c.err,
		LastRefreshed: c.lastRefreshed,
	}
	c.mu.Unlock()

	st.Invoices = make([]View, 0, len(sessions))
	for _, s := range sessions {
		st.Invoices = append(st.Invoices, s.Snapshot())
	}
	return st
}
