// Package session holds the durable conversation records and the
// busy-session tracker that enforces exclusive turn execution.
package session

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("session not found")

type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Session maps a channel/thread key to a backend session plus the
// conversation settings carried between turns. Created on the first
// message in a conversation; mutated on turn completion; deleted only
// by explicit reset.
type Session struct {
	ChannelKey         string    `json:"channel_key"`
	BackendSessionID   string    `json:"backend_session_id"`
	WorkingDir         string    `json:"working_dir"`
	Mode               string    `json:"mode"`
	Model              string    `json:"model"`
	LastUsage          Usage     `json:"last_usage"`
	PreviousSessionIDs []string  `json:"previous_session_ids,omitempty"`
	PathLocked         bool      `json:"path_locked"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Update is a partial mutation; nil fields are left untouched.
type Update struct {
	BackendSessionID *string
	WorkingDir       *string
	Mode             *string
	Model            *string
	LastUsage        *Usage
	PathLocked       *bool
	// AppendPreviousSessionID pushes the given id onto the lineage.
	AppendPreviousSessionID *string
}

func (u Update) applyTo(record *Session) {
	if u.BackendSessionID != nil {
		record.BackendSessionID = *u.BackendSessionID
	}
	if u.WorkingDir != nil {
		record.WorkingDir = *u.WorkingDir
	}
	if u.Mode != nil {
		record.Mode = *u.Mode
	}
	if u.Model != nil {
		record.Model = *u.Model
	}
	if u.LastUsage != nil {
		record.LastUsage = *u.LastUsage
	}
	if u.PathLocked != nil {
		record.PathLocked = *u.PathLocked
	}
	if u.AppendPreviousSessionID != nil && *u.AppendPreviousSessionID != "" {
		record.PreviousSessionIDs = append(record.PreviousSessionIDs, *u.AppendPreviousSessionID)
	}
}

// ForkSeed seeds a record for a forked conversation: settings copied
// from the parent, lineage extended with the parent's session id.
type ForkSeed struct {
	Parent         Session
	ChildSessionID string
}

// Store is the durable key-value storage consumed by the engine,
// keyed by channel/thread.
type Store interface {
	Get(ctx context.Context, key string) (Session, error)
	Save(ctx context.Context, key string, update Update) (Session, error)
	// GetOrCreateWithFork returns the existing record for key, or
	// creates one: blank when fork is nil, seeded from the fork
	// otherwise.
	GetOrCreateWithFork(ctx context.Context, key string, fork *ForkSeed) (Session, error)
	Delete(ctx context.Context, key string) error
}

func seededSession(key string, fork *ForkSeed, now time.Time) Session {
	record := Session{
		ChannelKey: key,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if fork == nil {
		return record
	}
	record.BackendSessionID = fork.ChildSessionID
	record.WorkingDir = fork.Parent.WorkingDir
	record.Mode = fork.Parent.Mode
	record.Model = fork.Parent.Model
	record.PathLocked = fork.Parent.PathLocked
	lineage := append([]string(nil), fork.Parent.PreviousSessionIDs...)
	if fork.Parent.BackendSessionID != "" {
		lineage = append(lineage, fork.Parent.BackendSessionID)
	}
	record.PreviousSessionIDs = lineage
	return record
}
