package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/huikka/subathon/internal/ledger"
	"github.com/huikka/subathon/internal/models"
	"github.com/huikka/subathon/internal/rules"
)

// memStore is an in-memory ledger.Store, safe for concurrent use so the
// no-lost-updates test can hammer it from many goroutines.
type memStore struct {
	mu       sync.Mutex
	state    *models.TimerState
	config   *models.SubathonConfig
	events   []models.Event
	failWith error
}

func (m *memStore) TimerState(ctx context.Context) (*models.TimerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, ledger.ErrNotFound
	}
	st := *m.state
	return &st, nil
}

func (m *memStore) Config(ctx context.Context) (*models.SubathonConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config == nil {
		return nil, ledger.ErrNotFound
	}
	cfg := *m.config
	return &cfg, nil
}

func (m *memStore) Events(ctx context.Context) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Event, len(m.events))
	copy(out, m.events)
	return out, nil
}

func (m *memStore) UpsertTimerState(ctx context.Context, state *models.TimerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	st := *state
	m.state = &st
	return nil
}

func (m *memStore) UpsertConfig(ctx context.Context, config *models.SubathonConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	cfg := *config
	m.config = &cfg
	return nil
}

func (m *memStore) AppendEvent(ctx context.Context, event *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.events = append(m.events, *event)
	return nil
}

func (m *memStore) ClearEvents(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.events = nil
	return nil
}

func (m *memStore) CommitGrant(ctx context.Context, state *models.TimerState, config *models.SubathonConfig, event *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	if state != nil {
		st := *state
		m.state = &st
	}
	if config != nil {
		cfg := *config
		m.config = &cfg
	}
	if event != nil {
		m.events = append(m.events, *event)
	}
	return nil
}

func (m *memStore) ResetSession(ctx context.Context, state *models.TimerState, config *models.SubathonConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	st := *state
	cfg := *config
	m.state = &st
	m.config = &cfg
	m.events = nil
	return nil
}

// recordingNotifier captures notifications for assertions.
type recordingNotifier struct {
	mu        sync.Mutex
	snapshots []Snapshot
	points    []int64
}

func (n *recordingNotifier) StateChanged(s Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.snapshots = append(n.snapshots, s)
}

func (n *recordingNotifier) PointsChanged(p int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.points = append(n.points, p)
}

func (n *recordingNotifier) lastSnapshot(t *testing.T) Snapshot {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.snapshots)
	return n.snapshots[len(n.snapshots)-1]
}

func (n *recordingNotifier) snapshotCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.snapshots)
}

var testTemplate = models.SubathonConfig{
	MaxSleepTime: models.SleepCaps{Night: 4 * 3600, Day: 3600},
	Goals:        []models.Goal{{Threshold: 2, Description: "fix the subathon clock"}},
}

// Wednesday 2025-06-04 12:00 UTC; the coming Sunday is June 8.
var testNow = time.Date(2025, 6, 4, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *memStore, *recordingNotifier, *clockwork.FakeClock) {
	t.Helper()
	store := &memStore{}
	clock := clockwork.NewFakeClockAt(testNow)
	mapper := rules.NewMapper(map[string]int64{"add_subathon_time_5": 5, "add_subathon_time_10": 10})

	e, err := New(context.Background(), store, mapper, testTemplate, clock)
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	e.SetNotifier(notifier)
	return e, store, notifier, clock
}

func TestStart(t *testing.T) {
	e, store, notifier, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx, 60))

	snap := notifier.lastSnapshot(t)
	require.True(t, snap.IsActive)
	require.Equal(t, int64(3600), snap.TimeRemaining)
	require.Empty(t, snap.Events)
	require.NotNil(t, snap.Config)
	require.Zero(t, snap.Config.Points)

	wantCutoff := time.Date(2025, 6, 8, 21, 0, 0, 0, time.UTC).Unix()
	require.Equal(t, wantCutoff, snap.Config.MaxEndTimeUnix)

	require.Equal(t, testNow.Unix(), *store.state.StartTimeUnix)
	require.Equal(t, testNow.Unix()+3600, *store.state.EndTimeUnix)
}

func TestStart_RejectsNonPositiveMinutes(t *testing.T) {
	e, _, notifier, _ := newTestEngine(t)
	require.Error(t, e.Start(context.Background(), 0))
	require.Zero(t, notifier.snapshotCount())
}

func TestStart_OverwritesRunningSession(t *testing.T) {
	e, _, notifier, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx, 60))
	require.NoError(t, e.ApplyGrant(ctx, rules.Grant{Kind: rules.GrantFollow, User: "viewer"}))
	require.NoError(t, e.AddPoints(ctx, 5))

	require.NoError(t, e.Start(ctx, 30))

	snap := notifier.lastSnapshot(t)
	require.Equal(t, int64(1800), snap.TimeRemaining)
	require.Empty(t, snap.Events)
	require.Zero(t, snap.Config.Points)
}

func TestStop_InactiveStillNotifies(t *testing.T) {
	e, _, notifier, _ := newTestEngine(t)

	require.NoError(t, e.Stop(context.Background()))

	snap := notifier.lastSnapshot(t)
	require.False(t, snap.IsActive)
	require.Zero(t, snap.TimeRemaining)
}

func TestStop_KeepsHistoryAndPoints(t *testing.T) {
	e, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx, 60))
	require.NoError(t, e.ApplyGrant(ctx, rules.Grant{Kind: rules.GrantCheer, Bits: 800, User: "viewer"}))
	require.NoError(t, e.Stop(ctx))

	require.False(t, store.state.IsActive)
	require.Zero(t, store.state.TimeRemaining)
	require.Nil(t, store.state.StartTimeUnix)
	require.Nil(t, store.state.EndTimeUnix)
	require.Len(t, store.events, 1)
	require.Equal(t, int64(2), store.config.Points)
}

func TestAddTime_InactiveIsDropped(t *testing.T) {
	e, store, notifier, _ := newTestEngine(t)

	require.NoError(t, e.AddTime(context.Background(), 5))
	require.Nil(t, store.state)
	require.Zero(t, notifier.snapshotCount())
}

func TestAddTime_RoundsFractionalMinutes(t *testing.T) {
	e, _, notifier, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx, 60))
	require.NoError(t, e.AddTime(ctx, 2.5))

	require.Equal(t, int64(3600+150), notifier.lastSnapshot(t).TimeRemaining)
}

func TestAddPoints_InactiveIsDropped(t *testing.T) {
	e, store, notifier, _ := newTestEngine(t)

	require.NoError(t, e.AddPoints(context.Background(), 3))
	require.Nil(t, store.config)
	require.Empty(t, notifier.points)
}

func TestApplyGrant_EndToEnd(t *testing.T) {
	e, _, notifier, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx, 60))
	require.NoError(t, e.ApplyGrant(ctx, rules.Grant{Kind: rules.GrantCheer, Bits: 800, User: "viewer"}))

	snap := notifier.lastSnapshot(t)
	require.Equal(t, int64(60*60+20*60), snap.TimeRemaining)
	require.Len(t, snap.Events, 1)
	require.Equal(t, "Cheer (800 bits)", snap.Events[0].Event)
	require.Equal(t, []int64{2}, notifier.points)

	require.NoError(t, e.Stop(ctx))

	snap = notifier.lastSnapshot(t)
	require.False(t, snap.IsActive)
	require.Zero(t, snap.TimeRemaining)
	require.Len(t, snap.Events, 1)
}

func TestApplyGrant_WhileInactiveIsDropped(t *testing.T) {
	e, store, notifier, _ := newTestEngine(t)

	require.NoError(t, e.ApplyGrant(context.Background(), rules.Grant{Kind: rules.GrantSubscription, User: "viewer"}))
	require.Nil(t, store.state)
	require.Empty(t, store.events)
	require.Zero(t, notifier.snapshotCount())
}

func TestApplyGrant_UnmappedIsDropped(t *testing.T) {
	e, _, notifier, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx, 60))
	before := notifier.snapshotCount()

	require.NoError(t, e.ApplyGrant(ctx, rules.Grant{Kind: rules.GrantRedemption, RewardTitle: "free_hugs", User: "viewer"}))
	require.Equal(t, before, notifier.snapshotCount())
}

func TestApplyGrant_NoLostUpdates(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx, 60))

	const workers = 50
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_ = e.ApplyGrant(ctx, rules.Grant{Kind: rules.GrantCheer, Bits: 200, User: "viewer"})
		}()
	}
	wg.Wait()

	snap := e.Snapshot()
	require.Equal(t, int64(3600+workers*5*60), snap.TimeRemaining)
	require.Len(t, snap.Events, workers)
}

func TestApplyGrant_PersistFailureLeavesStateUntouched(t *testing.T) {
	e, store, notifier, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx, 60))
	before := notifier.snapshotCount()

	store.mu.Lock()
	store.failWith = errors.New("store unreachable")
	store.mu.Unlock()

	err := e.ApplyGrant(ctx, rules.Grant{Kind: rules.GrantCheer, Bits: 800, User: "viewer"})
	require.Error(t, err)

	require.Equal(t, before, notifier.snapshotCount())
	snap := e.Snapshot()
	require.Equal(t, int64(3600), snap.TimeRemaining)
	require.Empty(t, snap.Events)
	require.Zero(t, snap.Config.Points)
}

func TestNew_RefreshesFromLedger(t *testing.T) {
	start := testNow.Unix()
	end := start + 1200
	store := &memStore{
		state:  &models.TimerState{IsActive: true, StartTimeUnix: &start, EndTimeUnix: &end, TimeRemaining: 1200},
		config: &models.SubathonConfig{Points: 4, Goals: testTemplate.Goals},
		events: []models.Event{{Event: "Follow", User: "viewer", Time: testNow}},
	}
	clock := clockwork.NewFakeClockAt(testNow)
	mapper := rules.NewMapper(nil)

	e, err := New(context.Background(), store, mapper, testTemplate, clock)
	require.NoError(t, err)

	snap := e.Snapshot()
	require.True(t, snap.IsActive)
	require.Equal(t, int64(1200), snap.TimeRemaining)
	require.Len(t, snap.Events, 1)
	require.Equal(t, int64(4), snap.Config.Points)
}
