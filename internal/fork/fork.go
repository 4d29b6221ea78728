// Package fork branches a conversation's transcript at a chosen point
// into a new, independently continuable session.
package fork

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"relay/internal/client"
	"relay/internal/logging"
	"relay/internal/session"
)

var (
	ErrSourceBusy    = errors.New("source session is processing a turn")
	ErrInvalidPoint  = errors.New("invalid fork point")
	ErrUnknownRecord = errors.New("unknown fork record")
)

// ForkAPI is the slice of the backend session API the coordinator
// needs: transcript reads to validate the branch point and the fork
// call itself.
type ForkAPI interface {
	GetTranscript(ctx context.Context, sessionID string) (client.Transcript, error)
	ForkSession(ctx context.Context, parentID string, point client.ForkPoint) (client.SessionInfo, error)
}

// BusyChecker reports whether a session currently owns a turn.
type BusyChecker interface {
	IsBusy(sessionID string) bool
}

// BackendSharer attaches the child channel to the parent's backend
// instance so both branches run on the same process.
type BackendSharer interface {
	ShareBackend(sourceChannelKey, childChannelKey string) error
}

// Record captures one completed fork. Immutable; Refresh creates the
// successor rather than mutating it.
type Record struct {
	ID              string
	ParentChannel   string
	ParentSessionID string
	Point           client.ForkPoint
	ChildChannel    string
	ChildSessionID  string
	CreatedAt       time.Time
}

// ForkOptions selects where the branch lands and whether it shares
// the parent's backend process.
type ForkOptions struct {
	ChildChannelKey string
	ShareBackend    bool
}

type Options struct {
	API     ForkAPI
	Tracker BusyChecker
	Store   session.Store

	// Sharer is consulted only for ForkOptions.ShareBackend; sharing
	// failures degrade to a dedicated backend, never fail the fork.
	Sharer BackendSharer

	Logger *logging.Logger
	Clock  func() time.Time
}

// Coordinator validates fork preconditions, drives the backend fork
// call, seeds the child's session record, and keeps fork records for
// later re-forks from the same anchor.
type Coordinator struct {
	options Options

	mu      sync.Mutex
	records map[string]Record
}

func NewCoordinator(options Options) (*Coordinator, error) {
	if options.API == nil {
		return nil, errors.New("fork api is required")
	}
	if options.Tracker == nil {
		return nil, errors.New("busy checker is required")
	}
	if options.Store == nil {
		return nil, errors.New("session store is required")
	}
	if options.Clock == nil {
		options.Clock = time.Now
	}
	return &Coordinator{
		options: options,
		records: make(map[string]Record),
	}, nil
}

// ForkAt branches the source conversation at the given point. The
// source must be idle: forking a mutating transcript is rejected
// synchronously, before any state is created.
func (c *Coordinator) ForkAt(ctx context.Context, sourceChannelKey string, point client.ForkPoint, opts ForkOptions) (Record, error) {
	if err := point.Validate(); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	if opts.ChildChannelKey == "" {
		return Record{}, errors.New("child channel key is required")
	}
	parent, err := c.options.Store.Get(ctx, sourceChannelKey)
	if err != nil {
		return Record{}, fmt.Errorf("resolve source %q: %w", sourceChannelKey, err)
	}
	if c.options.Tracker.IsBusy(parent.BackendSessionID) {
		return Record{}, fmt.Errorf("%w: %s", ErrSourceBusy, parent.BackendSessionID)
	}
	if err := c.validatePoint(ctx, parent.BackendSessionID, point); err != nil {
		return Record{}, err
	}

	child, err := c.options.API.ForkSession(ctx, parent.BackendSessionID, point)
	if err != nil {
		return Record{}, fmt.Errorf("fork session: %w", err)
	}
	if _, err := c.options.Store.GetOrCreateWithFork(ctx, opts.ChildChannelKey, &session.ForkSeed{
		Parent:         parent,
		ChildSessionID: child.SessionID,
	}); err != nil {
		return Record{}, fmt.Errorf("seed child record: %w", err)
	}

	record := Record{
		ID:              uuid.NewString(),
		ParentChannel:   sourceChannelKey,
		ParentSessionID: parent.BackendSessionID,
		Point:           point,
		ChildChannel:    opts.ChildChannelKey,
		ChildSessionID:  child.SessionID,
		CreatedAt:       c.options.Clock(),
	}
	c.mu.Lock()
	c.records[record.ID] = record
	c.mu.Unlock()

	if opts.ShareBackend && c.options.Sharer != nil {
		if err := c.options.Sharer.ShareBackend(sourceChannelKey, opts.ChildChannelKey); err != nil {
			c.logWarn("backend sharing failed, child gets its own instance", map[string]string{
				"parent": sourceChannelKey,
				"child":  opts.ChildChannelKey,
				"error":  err.Error(),
			})
		}
	}
	c.logInfo("session forked", map[string]string{
		"parent": parent.BackendSessionID,
		"child":  child.SessionID,
	})
	return record, nil
}

// Refresh re-forks from the same anchor as an earlier fork, replacing
// the child channel's session with a fresh branch. The child must be
// idle.
func (c *Coordinator) Refresh(ctx context.Context, recordID string) (Record, error) {
	c.mu.Lock()
	previous, ok := c.records[recordID]
	c.mu.Unlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownRecord, recordID)
	}
	if c.options.Tracker.IsBusy(previous.ChildSessionID) {
		return Record{}, fmt.Errorf("%w: %s", ErrSourceBusy, previous.ChildSessionID)
	}

	child, err := c.options.API.ForkSession(ctx, previous.ParentSessionID, previous.Point)
	if err != nil {
		return Record{}, fmt.Errorf("re-fork session: %w", err)
	}
	sessionID := child.SessionID
	replaced := previous.ChildSessionID
	if _, err := c.options.Store.Save(ctx, previous.ChildChannel, session.Update{
		BackendSessionID:        &sessionID,
		AppendPreviousSessionID: &replaced,
	}); err != nil {
		return Record{}, fmt.Errorf("update child record: %w", err)
	}

	record := previous
	record.ID = uuid.NewString()
	record.ChildSessionID = child.SessionID
	record.CreatedAt = c.options.Clock()
	c.mu.Lock()
	c.records[record.ID] = record
	c.mu.Unlock()
	return record, nil
}

// Lookup returns a stored fork record.
func (c *Coordinator) Lookup(recordID string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.records[recordID]
	return record, ok
}

// Records lists all forks taken since startup.
func (c *Coordinator) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	records := make([]Record, 0, len(c.records))
	for _, record := range c.records {
		records = append(records, record)
	}
	return records
}

// validatePoint checks the branch point against the authoritative
// transcript: a turn index must not exceed the turn count, a message
// id must resolve to an entry.
func (c *Coordinator) validatePoint(ctx context.Context, sessionID string, point client.ForkPoint) error {
	transcript, err := c.options.API.GetTranscript(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}
	if point.TurnIndex != nil {
		if *point.TurnIndex > transcript.TurnCount {
			return fmt.Errorf("%w: turn index %d exceeds turn count %d",
				ErrInvalidPoint, *point.TurnIndex, transcript.TurnCount)
		}
		return nil
	}
	if _, ok := transcript.FindMessage(point.MessageID); !ok {
		return fmt.Errorf("%w: message %q not in transcript", ErrInvalidPoint, point.MessageID)
	}
	return nil
}

func (c *Coordinator) logInfo(message string, fields map[string]string) {
	if c.options.Logger != nil {
		c.options.Logger.Info(message, fields)
	}
}

func (c *Coordinator) logWarn(message string, fields map[string]string) {
	if c.options.Logger != nil {
		c.options.Logger.Warn(message, fields)
	}
}
