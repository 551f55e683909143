package game

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/abdelmounim-dev/duelsync/matchmaking"
	"github.com/abdelmounim-dev/duelsync/relay"
	"github.com/abdelmounim-dev/duelsync/scheduler"
	"github.com/abdelmounim-dev/duelsync/session"
)

const testSeed uint64 = 18446744073709551557

var testNow = time.UnixMilli(1_700_000_000_000)

type delayCall struct {
	payload scheduler.Payload
	delay   time.Duration
}

// recordingDelayer captures scheduled timers without firing them.
type recordingDelayer struct {
	mu    sync.Mutex
	calls []delayCall
}

func (d *recordingDelayer) Schedule(_ context.Context, p scheduler.Payload, delay time.Duration) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, delayCall{payload: p, delay: delay})
	return "timer", nil
}

func (d *recordingDelayer) Calls() []delayCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]delayCall(nil), d.calls...)
}

type fixture struct {
	store       *session.MemoryStore
	recorder    *relay.Recorder
	delayer     *recordingDelayer
	clock       *clock.Mock
	matchmaker  *matchmaking.MemoryService
	coordinator *Coordinator
	machine     *Machine
	lifecycle   *Lifecycle
	router      *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &fixture{
		store:      session.NewMemoryStore(),
		recorder:   &relay.Recorder{},
		delayer:    &recordingDelayer{},
		clock:      clock.NewMock(),
		matchmaker: matchmaking.NewMemoryService(),
	}
	f.clock.Set(testNow)
	f.coordinator = NewCoordinator(f.store, f.recorder, logger)
	f.machine = NewMachine(f.store, f.recorder, f.delayer, DefaultTimings(), logger,
		WithClock(f.clock),
		WithSeedSource(func() uint64 { return testSeed }))
	f.lifecycle = NewLifecycle(f.store, f.matchmaker, f.coordinator, logger)
	f.router = NewRouter(f.machine, logger)
	return f
}

// paired connects conn-a and conn-b and pairs them into session "game-1".
func (f *fixture) paired(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.lifecycle.Connect(ctx, "conn-a"))
	require.NoError(t, f.lifecycle.Connect(ctx, "conn-b"))

	f.coordinator.newID = func() string { return "game-1" }
	id, err := f.coordinator.Pair(ctx, "conn-a", "conn-b")
	require.NoError(t, err)
	f.recorder.Reset()
	return id
}

func (f *fixture) session(t *testing.T, id string) *session.Session {
	t.Helper()
	s, err := f.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return s
}
