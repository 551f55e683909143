package game

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/abdelmounim-dev/duelsync/session"
)

// Inbound action names.
const (
	ActionStartKey       = "startKey"
	ActionUpdate         = "update"
	ActionFinish         = "finish"
	ActionRestartRequest = "restartRequest"
)

// Reply action names and texts.
const (
	ReplyActionMessage = "message"
	ReplyActionRestart = "restartMessage"
	ReplyActionError   = "error"

	MsgWaitingForOpponent  = "Waiting for other player..."
	MsgGameLoading         = "Game loading..."
	MsgAlreadySubmitted    = "Start already submitted"
	MsgYouWin              = "You win!"
	MsgOtherPlayerWon      = "Other player won"
	MsgRestartRequestSent  = "Sent Restart Request"
	MsgOpponentRestarting  = "Opponent Requesting Restart"
	MsgGameRestarting      = "Game Restarting..."
	MsgGameDoesNotExist    = "Game does not exist"
	MsgInvalidRequest      = "Invalid request"
	MsgInternalServerError = "Internal server error"
)

// Envelope is a client frame. Message holds the action payload, either as
// a JSON object or as a string containing JSON.
type Envelope struct {
	Action  string          `json:"action"`
	Message json.RawMessage `json:"message"`
}

// Decode unpacks the message into v.
func (e Envelope) Decode(v any) error {
	raw := bytes.TrimSpace(e.Message)
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty message for %s", ErrProtocolViolation, e.Action)
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		raw = []byte(inner)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrProtocolViolation, e.Action, err)
	}
	return nil
}

// StartKeyRequest submits a player's start indices.
type StartKeyRequest struct {
	GameID     string            `json:"gameId"`
	OpponentID string            `json:"opponentId"`
	PlayerNum  int               `json:"playerNum"`
	Idxs       session.StartIdxs `json:"idxs"`
}

// UpdateRequest carries in-game updates for the opponent.
type UpdateRequest struct {
	OpponentID string          `json:"opponentId"`
	Updates    json.RawMessage `json:"updates"`
}

// FinishRequest claims victory.
type FinishRequest struct {
	GameID     string `json:"gameId"`
	OpponentID string `json:"opponentId"`
	PlayerNum  int    `json:"playerNum"`
}

// RestartRequest asks for a new game with the same opponent.
type RestartRequest struct {
	GameID     string `json:"gameId"`
	OpponentID string `json:"opponentId"`
}

// ConnectPayload tells a player it has been paired.
type ConnectPayload struct {
	GameID     string `json:"gameId"`
	OpponentID string `json:"opponentId"`
	PlayerNum  int    `json:"playerNum"`
}

// StartPayload is broadcast to both players once the start is fixed.
type StartPayload struct {
	StartIdxs      []session.StartIdxs `json:"startIdxs"`
	StartTimestamp int64               `json:"startTimestamp"`
	Seed           string              `json:"seed"`
}

// GameOverPayload announces the winner.
type GameOverPayload struct {
	WinnerNum int `json:"winnerNum"`
}

// Reply is the synchronous answer to the client that sent an event.
type Reply struct {
	Action string `json:"action"`
	Data   any    `json:"data"`
}

func message(text string) *Reply {
	return &Reply{Action: ReplyActionMessage, Data: text}
}

func restartMessage(text string) *Reply {
	return &Reply{Action: ReplyActionRestart, Data: text}
}

// ErrorReply builds the reply sent when an event could not be handled.
func ErrorReply(text string) *Reply {
	return &Reply{Action: ReplyActionError, Data: text}
}

func validPlayerNum(n int) error {
	if n != 0 && n != 1 {
		return fmt.Errorf("%w: player number %d", ErrProtocolViolation, n)
	}
	return nil
}
