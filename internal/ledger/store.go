// Package ledger is the persistence boundary for timer state, config and the
// session event history.
package ledger

import (
	"context"
	"errors"

	"github.com/huikka/subathon/internal/models"
)

// ErrNotFound is returned when a singleton row has never been created.
var ErrNotFound = errors.New("not found")

// Store is the durable ledger contract. Every write is atomic against its
// singleton row; the composite operations group their writes in one
// transaction so a grant can never land half-applied.
type Store interface {
	// TimerState returns the singleton timer row, or ErrNotFound.
	TimerState(ctx context.Context) (*models.TimerState, error)
	// Config returns the singleton config row, or ErrNotFound.
	Config(ctx context.Context) (*models.SubathonConfig, error)
	// Events returns the session history ordered by occurrence time ascending.
	Events(ctx context.Context) ([]models.Event, error)

	// UpsertTimerState inserts or replaces the singleton timer row.
	UpsertTimerState(ctx context.Context, state *models.TimerState) error
	// UpsertConfig inserts or replaces the singleton config row.
	UpsertConfig(ctx context.Context, config *models.SubathonConfig) error
	// AppendEvent appends one entry to the session history.
	AppendEvent(ctx context.Context, event *models.Event) error
	// ClearEvents drops the whole session history.
	ClearEvents(ctx context.Context) error

	// CommitGrant persists the outcome of one grant in a single transaction.
	// Nil state or config means that half of the grant carried no delta.
	CommitGrant(ctx context.Context, state *models.TimerState, config *models.SubathonConfig, event *models.Event) error
	// ResetSession replaces timer state and config and clears the event
	// history in a single transaction. Used by start.
	ResetSession(ctx context.Context, state *models.TimerState, config *models.SubathonConfig) error
}
