// Package engine owns the subathon state machine. Every mutation runs under a
// single mutex so concurrent grants can never lose updates, and every mutation
// persists through the ledger before the in-memory copy or any viewer sees it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/huikka/subathon/internal/ledger"
	"github.com/huikka/subathon/internal/models"
	"github.com/huikka/subathon/internal/rules"
)

// Snapshot is the full viewer-facing state pushed on every change.
// Config is only attached on session start and on connect.
type Snapshot struct {
	TimeRemaining int64                  `json:"timeRemaining"`
	IsActive      bool                   `json:"isActive"`
	Events        []models.Event         `json:"events"`
	Config        *models.SubathonConfig `json:"config,omitempty"`
}

// Notifier receives committed state changes for fan-out. Implementations must
// not block; the engine calls these while holding its write lock.
type Notifier interface {
	StateChanged(Snapshot)
	PointsChanged(points int64)
}

type nopNotifier struct{}

func (nopNotifier) StateChanged(Snapshot) {}
func (nopNotifier) PointsChanged(int64)   {}

// Engine is the single serialized writer over timer state, config and the
// event history. The ledger is a write-through durability layer: the canonical
// copy lives here and is refreshed from the store only at construction.
type Engine struct {
	store ledger.Store
	rules *rules.Mapper
	clock clockwork.Clock

	mu       sync.Mutex
	notify   Notifier
	state    models.TimerState
	config   models.SubathonConfig
	events   []models.Event
	template models.SubathonConfig
}

// New constructs the engine and refreshes its canonical copy from the ledger.
// The template config carries the static reference data (goals, sleep caps)
// applied on every start.
func New(ctx context.Context, store ledger.Store, mapper *rules.Mapper, template models.SubathonConfig, clock clockwork.Clock) (*Engine, error) {
	e := &Engine{
		store:    store,
		rules:    mapper,
		clock:    clock,
		notify:   nopNotifier{},
		template: template,
		config:   template,
	}

	state, err := store.TimerState(ctx)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("failed to load timer state: %w", err)
	}
	if state != nil {
		e.state = *state
	}

	config, err := store.Config(ctx)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if config != nil {
		e.config = *config
	}

	events, err := store.Events(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	e.events = events

	return e, nil
}

// SetNotifier wires the fan-out layer. Must be called before any mutation.
func (e *Engine) SetNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notify = n
}

// Snapshot returns the current committed state with config attached.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(true)
}

// Start begins a new session, overwriting any running one. History is cleared,
// points reset to zero and the configured end-time ceiling recomputed.
func (e *Engine) Start(ctx context.Context, initialMinutes int) error {
	if initialMinutes <= 0 {
		return fmt.Errorf("initial minutes must be positive, got %d", initialMinutes)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	startUnix := now.Unix()
	remaining := int64(initialMinutes) * 60
	endUnix := startUnix + remaining

	state := models.TimerState{
		IsActive:      true,
		StartTimeUnix: &startUnix,
		EndTimeUnix:   &endUnix,
		TimeRemaining: remaining,
	}
	config := e.template
	config.Points = 0
	config.MaxEndTimeUnix = sundayCutoff(now).Unix()

	if err := e.store.ResetSession(ctx, &state, &config); err != nil {
		return fmt.Errorf("failed to persist session start: %w", err)
	}

	e.state = state
	e.config = config
	e.events = nil

	log.Info().Int("initial_minutes", initialMinutes).Int64("max_end_time", config.MaxEndTimeUnix).Msg("subathon started")
	e.notify.StateChanged(e.snapshotLocked(true))
	return nil
}

// Stop ends the running session. Stopping an inactive session is a no-op that
// still notifies viewers with the inactive snapshot. History and points are
// left intact until the next start.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.IsActive {
		e.notify.StateChanged(e.snapshotLocked(false))
		return nil
	}

	state := models.TimerState{}
	if err := e.store.UpsertTimerState(ctx, &state); err != nil {
		return fmt.Errorf("failed to persist session stop: %w", err)
	}

	e.state = state
	log.Info().Msg("subathon stopped")
	e.notify.StateChanged(e.snapshotLocked(false))
	return nil
}

// AddTime credits minutes to the running countdown. Fractional minutes are
// rounded to whole seconds. Grants while inactive are dropped.
func (e *Engine) AddTime(ctx context.Context, minutes float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	seconds := int64(math.Round(minutes * 60))
	state, ok := e.addTimeLocked(seconds)
	if !ok {
		log.Debug().Float64("minutes", minutes).Bool("active", e.state.IsActive).Msg("dropping time credit")
		return nil
	}

	if err := e.store.UpsertTimerState(ctx, &state); err != nil {
		return fmt.Errorf("failed to persist added time: %w", err)
	}

	e.state = state
	e.notify.StateChanged(e.snapshotLocked(false))
	return nil
}

// AddPoints credits points while a session is active.
func (e *Engine) AddPoints(ctx context.Context, amount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.IsActive || amount <= 0 {
		return nil
	}

	config := e.config
	config.Points += amount
	if err := e.store.UpsertConfig(ctx, &config); err != nil {
		return fmt.Errorf("failed to persist points: %w", err)
	}

	e.config = config
	e.notify.PointsChanged(config.Points)
	return nil
}

// RecordEvent appends one entry to the session history and notifies viewers.
func (e *Engine) RecordEvent(ctx context.Context, event models.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.AppendEvent(ctx, &event); err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	e.events = append(e.events, event)
	e.notify.StateChanged(e.snapshotLocked(false))
	return nil
}

// ApplyGrant maps one grant to its delta and applies time, points and the
// history entry as a single unit: one lock hold, one ledger transaction, then
// notifications. Unmapped grants and grants while inactive are dropped.
func (e *Engine) ApplyGrant(ctx context.Context, grant rules.Grant) error {
	delta := e.rules.Delta(grant)
	if delta.Label == "" {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.IsActive {
		log.Debug().Str("label", delta.Label).Str("user", grant.User).Msg("dropping grant while inactive")
		return nil
	}

	var (
		statePtr  *models.TimerState
		configPtr *models.SubathonConfig
	)
	state := e.state
	config := e.config

	if delta.Seconds > 0 {
		state, _ = e.addTimeLocked(delta.Seconds)
		statePtr = &state
	}
	if delta.Points > 0 {
		config.Points += delta.Points
		configPtr = &config
	}
	event := models.Event{Event: delta.Label, User: grant.User, Time: e.clock.Now()}

	if err := e.store.CommitGrant(ctx, statePtr, configPtr, &event); err != nil {
		return fmt.Errorf("failed to commit grant %q: %w", delta.Label, err)
	}

	e.state = state
	e.config = config
	e.events = append(e.events, event)

	log.Info().
		Str("label", delta.Label).
		Str("user", grant.User).
		Int64("seconds", delta.Seconds).
		Int64("points", delta.Points).
		Msg("grant applied")

	e.notify.StateChanged(e.snapshotLocked(false))
	if configPtr != nil {
		e.notify.PointsChanged(config.Points)
	}
	return nil
}

// addTimeLocked returns the timer state with seconds credited and the end time
// recomputed from the start anchor. Reports false when inactive or zero.
func (e *Engine) addTimeLocked(seconds int64) (models.TimerState, bool) {
	if !e.state.IsActive || seconds <= 0 {
		return e.state, false
	}
	state := e.state
	state.TimeRemaining += seconds
	end := *state.StartTimeUnix + state.TimeRemaining
	state.EndTimeUnix = &end
	return state, true
}

func (e *Engine) snapshotLocked(withConfig bool) Snapshot {
	events := make([]models.Event, len(e.events))
	copy(events, e.events)
	s := Snapshot{
		TimeRemaining: e.state.TimeRemaining,
		IsActive:      e.state.IsActive,
		Events:        events,
	}
	if withConfig {
		config := e.config
		s.Config = &config
	}
	return s
}

// sundayCutoff is the soft ceiling for the session: the coming Sunday at 21:00
// in the server's location.
func sundayCutoff(now time.Time) time.Time {
	sunday := now.AddDate(0, 0, 7-int(now.Weekday()))
	return time.Date(sunday.Year(), sunday.Month(), sunday.Day(), 21, 0, 0, 0, now.Location())
}
