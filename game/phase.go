package game

import (
	"strconv"

	"github.com/abdelmounim-dev/duelsync/session"
)

// Phase is the lifecycle state of a session generation.
type Phase int

// phaseUnchanged marks transitions that do not move the session.
const phaseUnchanged Phase = -1

const (
	PhaseCreated Phase = iota
	PhaseAwaitingStartIndices
	PhaseActive
	PhaseFinished
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseAwaitingStartIndices:
		return "awaiting_start_indices"
	case PhaseActive:
		return "active"
	case PhaseFinished:
		return "finished"
	case phaseUnchanged:
		return "unchanged"
	default:
		return "phase(" + strconv.Itoa(int(p)) + ")"
	}
}

// PhaseOf derives the phase from a session record.
func PhaseOf(s *session.Session) Phase {
	switch {
	case s.Winner != nil:
		return PhaseFinished
	case s.StartTime != nil:
		return PhaseActive
	case s.PlayerOneStartIdxs != nil || s.PlayerTwoStartIdxs != nil:
		return PhaseAwaitingStartIndices
	default:
		return PhaseCreated
	}
}

// Transition is a named state change. Its guard is the store condition
// carried in Update; the store evaluates it atomically with the write.
type Transition struct {
	Name   string
	To     Phase
	Update session.Update
}

// startIdxsField returns the field a player's start indices live in.
func startIdxsField(playerNum int) string {
	if playerNum == 0 {
		return session.FieldPlayerOneStartIdxs
	}
	return session.FieldPlayerTwoStartIdxs
}

// submitStartIdxs records one player's start indices, once per generation.
func submitStartIdxs(playerNum int, idxs session.StartIdxs) Transition {
	field := startIdxsField(playerNum)
	return Transition{
		Name: "submit_start_idxs",
		To:   PhaseAwaitingStartIndices,
		Update: session.Update{
			Set:      session.Fields{field: idxs.String()},
			IfAbsent: []string{field},
			Return:   session.ReturnNew,
		},
	}
}

// finalizeStart fixes the synchronized start instant. Only the first
// caller succeeds; the pre-image carries the submitted start indices.
func finalizeStart(startMillis int64) Transition {
	return Transition{
		Name: "finalize_start",
		To:   PhaseActive,
		Update: session.Update{
			Set:      session.Fields{session.FieldStartTime: strconv.FormatInt(startMillis, 10)},
			IfAbsent: []string{session.FieldStartTime},
			Return:   session.ReturnOld,
		},
	}
}

// claimWin records the winner. First writer wins.
func claimWin(playerNum int) Transition {
	return Transition{
		Name: "claim_win",
		To:   PhaseFinished,
		Update: session.Update{
			Set:      session.Fields{session.FieldWinner: strconv.Itoa(playerNum)},
			IfAbsent: []string{session.FieldWinner},
			Return:   session.ReturnNew,
		},
	}
}

// requestRestart bumps the shared restart counter. It is not keyed per
// player, so one player can issue both requests.
func requestRestart() Transition {
	return Transition{
		Name: "request_restart",
		To:   phaseUnchanged,
		Update: session.Update{
			Add:    map[string]int64{session.FieldNumRestartRequests: 1},
			Return: session.ReturnNew,
		},
	}
}

// resetGame starts a fresh generation: identity fields and the player
// count survive, every transient field is dropped.
func resetGame() Transition {
	return Transition{
		Name: "reset",
		To:   PhaseCreated,
		Update: session.Update{
			Remove: []string{
				session.FieldStartTime,
				session.FieldPlayerOneStartIdxs,
				session.FieldPlayerTwoStartIdxs,
				session.FieldNumRestartRequests,
				session.FieldWinner,
			},
			Return: session.ReturnNew,
		},
	}
}

// leave records a participant's disconnect.
func leave() Transition {
	return Transition{
		Name: "leave",
		To:   phaseUnchanged,
		Update: session.Update{
			Add:    map[string]int64{session.FieldNumPlayers: -1},
			Return: session.ReturnNew,
		},
	}
}
