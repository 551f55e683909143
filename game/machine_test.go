package game

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/abdelmounim-dev/duelsync/relay"
	"github.com/abdelmounim-dev/duelsync/scheduler"
	"github.com/abdelmounim-dev/duelsync/session"
)

func startKey(gameID string, playerNum, x, y int) StartKeyRequest {
	opponent := "conn-b"
	if playerNum == 1 {
		opponent = "conn-a"
	}
	return StartKeyRequest{GameID: gameID, OpponentID: opponent, PlayerNum: playerNum, Idxs: session.StartIdxs{X: x, Y: y}}
}

func TestMachine_FullGame(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.paired(t)

	reply, err := f.machine.SubmitStartIdxs(ctx, "conn-a", startKey(id, 0, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, &Reply{Action: ReplyActionMessage, Data: MsgWaitingForOpponent}, reply)
	assert.Equal(t, PhaseAwaitingStartIndices, PhaseOf(f.session(t, id)))

	calls := f.delayer.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, scheduler.Payload{PlayerOne: "conn-a", PlayerTwo: "conn-b", SessionID: id}, calls[0].payload)
	assert.Equal(t, 5*time.Second, calls[0].delay)
	assert.Empty(t, f.recorder.Sent())

	reply, err = f.machine.SubmitStartIdxs(ctx, "conn-b", startKey(id, 1, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, &Reply{Action: ReplyActionMessage, Data: MsgGameLoading}, reply)
	assert.Len(t, f.delayer.Calls(), 1, "second submission does not arm another timer")

	want := StartPayload{
		StartIdxs:      []session.StartIdxs{{X: 1, Y: 1}, {X: 2, Y: 2}},
		StartTimestamp: testNow.Add(3 * time.Second).UnixMilli(),
		Seed:           "18446744073709551557",
	}
	for _, conn := range []string{"conn-a", "conn-b"} {
		got := f.recorder.To(conn, relay.ActionStart)
		require.Len(t, got, 1, conn)
		assert.Equal(t, want, got[0].Payload, conn)
	}
	assert.Equal(t, PhaseActive, PhaseOf(f.session(t, id)))

	reply, err = f.machine.ClaimWin(ctx, "conn-a", FinishRequest{GameID: id, OpponentID: "conn-b", PlayerNum: 0})
	require.NoError(t, err)
	assert.Equal(t, &Reply{Action: ReplyActionMessage, Data: MsgYouWin}, reply)
	over := f.recorder.To("conn-b", relay.ActionGameOver)
	require.Len(t, over, 1)
	assert.Equal(t, GameOverPayload{WinnerNum: 0}, over[0].Payload)
	assert.Len(t, f.recorder.To("conn-a", relay.ActionGameOver), 1)

	reply, err = f.machine.ClaimWin(ctx, "conn-b", FinishRequest{GameID: id, OpponentID: "conn-a", PlayerNum: 1})
	require.NoError(t, err)
	assert.Equal(t, &Reply{Action: ReplyActionMessage, Data: MsgOtherPlayerWon}, reply)
	assert.Len(t, f.recorder.To("conn-a", relay.ActionGameOver), 1, "losing claim has no side effect")

	s := f.session(t, id)
	require.NotNil(t, s.Winner)
	assert.Equal(t, 0, *s.Winner)
	assert.Equal(t, PhaseFinished, PhaseOf(s))
}

func TestMachine_SubmitStartIdxs_Duplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.paired(t)

	_, err := f.machine.SubmitStartIdxs(ctx, "conn-a", startKey(id, 0, 1, 1))
	require.NoError(t, err)

	reply, err := f.machine.SubmitStartIdxs(ctx, "conn-a", startKey(id, 0, 4, 4))
	require.NoError(t, err)
	assert.Equal(t, &Reply{Action: ReplyActionMessage, Data: MsgAlreadySubmitted}, reply)

	s := f.session(t, id)
	assert.Equal(t, &session.StartIdxs{X: 1, Y: 1}, s.PlayerOneStartIdxs, "first submission is kept")
	assert.Len(t, f.delayer.Calls(), 1)
	assert.Empty(t, f.recorder.To("conn-a", relay.ActionStart))
}

func TestMachine_SubmitStartIdxs_Errors(t *testing.T) {
	tests := []struct {
		name    string
		req     StartKeyRequest
		wantErr error
	}{
		{name: "missing session", req: startKey("nope", 0, 1, 1), wantErr: ErrSessionNotFound},
		{name: "bad player number", req: startKey("game-1", 2, 1, 1), wantErr: ErrProtocolViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.paired(t)

			_, err := f.machine.SubmitStartIdxs(context.Background(), "conn-a", tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.delayer.Calls())
		})
	}
}

func TestMachine_ConcurrentSubmissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.paired(t)

	var wg sync.WaitGroup
	replies := make([]*Reply, 2)
	for i, conn := range []string{"conn-a", "conn-b"} {
		wg.Add(1)
		go func(i int, conn string) {
			defer wg.Done()
			r, err := f.machine.SubmitStartIdxs(ctx, conn, startKey(id, i, i, i))
			assert.NoError(t, err)
			replies[i] = r
		}(i, conn)
	}
	wg.Wait()

	assert.ElementsMatch(t, []any{MsgWaitingForOpponent, MsgGameLoading}, []any{replies[0].Data, replies[1].Data})
	assert.Len(t, f.delayer.Calls(), 1)
	assert.Len(t, f.recorder.To("conn-a", relay.ActionStart), 1)
	assert.Len(t, f.recorder.To("conn-b", relay.ActionStart), 1)

	got := f.recorder.To("conn-a", relay.ActionStart)[0].Payload.(StartPayload)
	assert.Equal(t, []session.StartIdxs{{X: 0, Y: 0}, {X: 1, Y: 1}}, got.StartIdxs, "player one's indices come first")
}

func TestMachine_Finalize_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.paired(t)
	p := scheduler.Payload{PlayerOne: "conn-a", PlayerTwo: "conn-b", SessionID: id}

	ok, err := f.machine.Finalize(ctx, p, TriggerTimeout)
	require.NoError(t, err)
	assert.True(t, ok)

	f.clock.Add(time.Second)
	ok, err = f.machine.Finalize(ctx, p, TriggerSecondPlayer)
	require.NoError(t, err)
	assert.False(t, ok, "second finalize is absorbed")

	start := f.recorder.To("conn-a", relay.ActionStart)
	require.Len(t, start, 1)
	assert.Equal(t, testNow.Add(3*time.Second).UnixMilli(), start[0].Payload.(StartPayload).StartTimestamp)
	assert.Empty(t, start[0].Payload.(StartPayload).StartIdxs, "no indices were submitted")

	s := f.session(t, id)
	require.NotNil(t, s.StartTime)
	assert.Equal(t, testNow.Add(3*time.Second).UnixMilli(), *s.StartTime)

	ok, err = f.machine.Finalize(ctx, scheduler.Payload{SessionID: "nope"}, TriggerTimeout)
	require.NoError(t, err, "a vanished session is absorbed like a lost race")
	assert.False(t, ok)
}

func TestMachine_TimeoutFinalize(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	timers := scheduler.NewMemoryScheduler(f.clock)
	f.machine = NewMachine(f.store, f.recorder, timers, DefaultTimings(), zaptest.NewLogger(t),
		WithClock(f.clock),
		WithSeedSource(func() uint64 { return 7 }))
	id := f.paired(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = timers.Run(ctx, f.machine.OnTimer)
	}()

	reply, err := f.machine.SubmitStartIdxs(ctx, "conn-a", startKey(id, 0, 3, 4))
	require.NoError(t, err)
	assert.Equal(t, MsgWaitingForOpponent, reply.Data)

	f.clock.Add(4 * time.Second)
	assert.Empty(t, f.recorder.To("conn-a", relay.ActionStart), "timer must not fire early")

	f.clock.Add(time.Second)
	require.Eventually(t, func() bool {
		return len(f.recorder.To("conn-b", relay.ActionStart)) == 1
	}, time.Second, 5*time.Millisecond)

	got := f.recorder.To("conn-a", relay.ActionStart)
	require.Len(t, got, 1)
	assert.Equal(t, StartPayload{
		StartIdxs:      []session.StartIdxs{{X: 3, Y: 4}},
		StartTimestamp: testNow.Add(8 * time.Second).UnixMilli(),
		Seed:           "7",
	}, got[0].Payload)

	// A late second player does not trigger another start.
	reply, err = f.machine.SubmitStartIdxs(ctx, "conn-b", startKey(id, 1, 5, 5))
	require.NoError(t, err)
	assert.Equal(t, MsgGameLoading, reply.Data)
	assert.Len(t, f.recorder.To("conn-b", relay.ActionStart), 1)

	cancel()
	<-done
}

func TestMachine_RelayUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.paired(t)

	updates := json.RawMessage(`{"cells":[[1,2]]}`)
	require.NoError(t, f.machine.RelayUpdate(ctx, "conn-a", UpdateRequest{OpponentID: "conn-b", Updates: updates}))

	got := f.recorder.To("conn-b", relay.ActionOpponentUpdates)
	require.Len(t, got, 1)
	assert.Equal(t, updates, got[0].Payload, "updates are forwarded verbatim")

	err := f.machine.RelayUpdate(ctx, "conn-a", UpdateRequest{Updates: updates})
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestMachine_ConcurrentFinishClaims(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.paired(t)

	var wg sync.WaitGroup
	replies := make([]*Reply, 2)
	for i, conn := range []string{"conn-a", "conn-b"} {
		wg.Add(1)
		go func(i int, conn string) {
			defer wg.Done()
			r, err := f.machine.ClaimWin(ctx, conn, FinishRequest{GameID: id, PlayerNum: i})
			assert.NoError(t, err)
			replies[i] = r
		}(i, conn)
	}
	wg.Wait()

	assert.ElementsMatch(t, []any{MsgYouWin, MsgOtherPlayerWon}, []any{replies[0].Data, replies[1].Data})
	assert.Len(t, f.recorder.To("conn-a", relay.ActionGameOver), 1)
	assert.Len(t, f.recorder.To("conn-b", relay.ActionGameOver), 1)
}

func TestMachine_ClaimWin_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.paired(t)

	_, err := f.machine.ClaimWin(ctx, "conn-a", FinishRequest{GameID: "nope", PlayerNum: 0})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.machine.ClaimWin(ctx, "conn-a", FinishRequest{GameID: "game-1", PlayerNum: -1})
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Empty(t, f.recorder.Sent())
}

func TestMachine_RestartNegotiation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.paired(t)

	_, err := f.machine.SubmitStartIdxs(ctx, "conn-a", startKey(id, 0, 1, 1))
	require.NoError(t, err)
	_, err = f.machine.SubmitStartIdxs(ctx, "conn-b", startKey(id, 1, 2, 2))
	require.NoError(t, err)
	_, err = f.machine.ClaimWin(ctx, "conn-b", FinishRequest{GameID: id, PlayerNum: 1})
	require.NoError(t, err)
	f.recorder.Reset()

	reply, err := f.machine.RequestRestart(ctx, "conn-a", RestartRequest{GameID: id, OpponentID: "conn-b"})
	require.NoError(t, err)
	assert.Equal(t, &Reply{Action: ReplyActionRestart, Data: MsgRestartRequestSent}, reply)
	notice := f.recorder.To("conn-b", relay.ActionRestartMessage)
	require.Len(t, notice, 1)
	assert.Equal(t, MsgOpponentRestarting, notice[0].Payload)
	assert.Equal(t, int64(1), f.session(t, id).NumRestartRequests)

	reply, err = f.machine.RequestRestart(ctx, "conn-b", RestartRequest{GameID: id, OpponentID: "conn-a"})
	require.NoError(t, err)
	assert.Equal(t, &Reply{Action: ReplyActionRestart, Data: MsgGameRestarting}, reply)
	notice = f.recorder.To("conn-a", relay.ActionRestartMessage)
	require.Len(t, notice, 1)
	assert.Equal(t, MsgGameRestarting, notice[0].Payload)
	assert.Len(t, f.recorder.To("conn-a", relay.ActionRestart), 1)
	assert.Len(t, f.recorder.To("conn-b", relay.ActionRestart), 1)

	s := f.session(t, id)
	assert.Equal(t, &session.Session{ID: id, PlayerOne: "conn-a", PlayerTwo: "conn-b", NumPlayers: 2}, s)
	assert.Equal(t, PhaseCreated, PhaseOf(s))

	// The new game instance accepts fresh start indices.
	reply, err = f.machine.SubmitStartIdxs(ctx, "conn-a", startKey(id, 0, 6, 6))
	require.NoError(t, err)
	assert.Equal(t, MsgWaitingForOpponent, reply.Data)
}

// The restart counter is shared, so one player alone can trigger a restart.
func TestMachine_RequestRestart_SinglePlayerReachesTwo(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.paired(t)

	reply, err := f.machine.RequestRestart(ctx, "conn-a", RestartRequest{GameID: id})
	require.NoError(t, err)
	assert.Equal(t, MsgRestartRequestSent, reply.Data)

	reply, err = f.machine.RequestRestart(ctx, "conn-a", RestartRequest{GameID: id})
	require.NoError(t, err)
	assert.Equal(t, MsgGameRestarting, reply.Data)
	assert.Len(t, f.recorder.To("conn-b", relay.ActionRestart), 1)
	assert.Zero(t, f.session(t, id).NumRestartRequests)
}

func TestMachine_RequestRestart_MissingSession(t *testing.T) {
	f := newFixture(t)

	reply, err := f.machine.RequestRestart(context.Background(), "conn-a", RestartRequest{GameID: "nope"})
	require.NoError(t, err)
	assert.Equal(t, &Reply{Action: ReplyActionError, Data: MsgGameDoesNotExist}, reply)
	assert.Empty(t, f.recorder.Sent())
}

func TestMachine_Restart_MissingSession(t *testing.T) {
	f := newFixture(t)
	err := f.machine.Restart(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMachine_RequestRestart_NonParticipant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.paired(t)

	reply, err := f.machine.RequestRestart(ctx, "conn-x", RestartRequest{GameID: id, OpponentID: "conn-a"})
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Nil(t, reply)
	assert.Empty(t, f.recorder.Sent(), "no player is told about a stranger's request")
	assert.Zero(t, f.session(t, id).NumRestartRequests)

	assert.Equal(t, &Reply{Action: ReplyActionError, Data: MsgInvalidRequest},
		f.router.ReplyForError("conn-x", ActionRestartRequest, err))
}

// Timers carry no game instance and are never cancelled, so a timer armed
// before a restart can finalize the next game with one player's indices.
func TestMachine_StaleTimerFinalizesNextGame(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.paired(t)

	_, err := f.machine.SubmitStartIdxs(ctx, "conn-a", startKey(id, 0, 1, 1))
	require.NoError(t, err)
	calls := f.delayer.Calls()
	require.Len(t, calls, 1)
	stale := calls[0].payload

	_, err = f.machine.RequestRestart(ctx, "conn-a", RestartRequest{GameID: id})
	require.NoError(t, err)
	_, err = f.machine.RequestRestart(ctx, "conn-b", RestartRequest{GameID: id})
	require.NoError(t, err)

	reply, err := f.machine.SubmitStartIdxs(ctx, "conn-a", startKey(id, 0, 6, 6))
	require.NoError(t, err)
	assert.Equal(t, MsgWaitingForOpponent, reply.Data)
	f.recorder.Reset()

	f.machine.OnTimer(ctx, stale)

	starts := f.recorder.To("conn-b", relay.ActionStart)
	require.Len(t, starts, 1)
	assert.Equal(t, []session.StartIdxs{{X: 6, Y: 6}}, starts[0].Payload.(StartPayload).StartIdxs)

	reply, err = f.machine.SubmitStartIdxs(ctx, "conn-b", startKey(id, 1, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, MsgGameLoading, reply.Data)
	assert.Len(t, f.recorder.To("conn-b", relay.ActionStart), 1, "the next game already started")
}
