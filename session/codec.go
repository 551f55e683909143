package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Persisted field names.
const (
	FieldSessionID          = "sessionId"
	FieldPlayerOne          = "playerOne"
	FieldPlayerTwo          = "playerTwo"
	FieldNumPlayers         = "numPlayers"
	FieldStartTime          = "startTime"
	FieldPlayerOneStartIdxs = "playerOneStartIdxs"
	FieldPlayerTwoStartIdxs = "playerTwoStartIdxs"
	FieldNumRestartRequests = "numRestartRequests"
	FieldWinner             = "winner"

	FieldConnectionID = "connectionId"
	FieldTicketID     = "ticketId"
)

// Fields is the flat string form a record takes in the store.
type Fields map[string]string

// pairs flattens the fields into sorted key/value pairs.
func (f Fields) pairs() []interface{} {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]interface{}, 0, 2*len(keys))
	for _, k := range keys {
		out = append(out, k, f[k])
	}
	return out
}

func (f Fields) clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// StartIdxs is a board cell a player picked to open the game.
type StartIdxs struct {
	X int
	Y int
}

// String renders the indices in their stored "x,y" form.
func (s StartIdxs) String() string {
	return strconv.Itoa(s.X) + "," + strconv.Itoa(s.Y)
}

// ParseStartIdxs parses the stored "x,y" form.
func ParseStartIdxs(raw string) (StartIdxs, error) {
	xs, ys, ok := strings.Cut(raw, ",")
	if !ok {
		return StartIdxs{}, fmt.Errorf("invalid start indices %q", raw)
	}
	x, err := strconv.Atoi(strings.TrimSpace(xs))
	if err != nil {
		return StartIdxs{}, fmt.Errorf("invalid start x %q: %w", xs, err)
	}
	y, err := strconv.Atoi(strings.TrimSpace(ys))
	if err != nil {
		return StartIdxs{}, fmt.Errorf("invalid start y %q: %w", ys, err)
	}
	return StartIdxs{X: x, Y: y}, nil
}

// MarshalJSON encodes the indices as a two element array.
func (s StartIdxs) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{s.X, s.Y})
}

// UnmarshalJSON accepts either "x,y" or [x, y].
func (s *StartIdxs) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		parsed, err := ParseStartIdxs(raw)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	}
	var pair []int
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("start indices must be \"x,y\" or [x,y]: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("start indices must have 2 elements, got %d", len(pair))
	}
	s.X, s.Y = pair[0], pair[1]
	return nil
}

// Fields encodes the session into its stored form. Unset optional fields
// are omitted.
func (s *Session) Fields() Fields {
	f := Fields{
		FieldSessionID:  s.ID,
		FieldPlayerOne:  s.PlayerOne,
		FieldPlayerTwo:  s.PlayerTwo,
		FieldNumPlayers: strconv.FormatInt(s.NumPlayers, 10),
	}
	if s.StartTime != nil {
		f[FieldStartTime] = strconv.FormatInt(*s.StartTime, 10)
	}
	if s.PlayerOneStartIdxs != nil {
		f[FieldPlayerOneStartIdxs] = s.PlayerOneStartIdxs.String()
	}
	if s.PlayerTwoStartIdxs != nil {
		f[FieldPlayerTwoStartIdxs] = s.PlayerTwoStartIdxs.String()
	}
	if s.NumRestartRequests != 0 {
		f[FieldNumRestartRequests] = strconv.FormatInt(s.NumRestartRequests, 10)
	}
	if s.Winner != nil {
		f[FieldWinner] = strconv.Itoa(*s.Winner)
	}
	return f
}

// DecodeSession builds a Session from its stored form.
func DecodeSession(f Fields) (*Session, error) {
	s := &Session{
		ID:        f[FieldSessionID],
		PlayerOne: f[FieldPlayerOne],
		PlayerTwo: f[FieldPlayerTwo],
	}
	var err error
	if s.NumPlayers, err = parseInt(f, FieldNumPlayers); err != nil {
		return nil, err
	}
	if s.NumRestartRequests, err = parseInt(f, FieldNumRestartRequests); err != nil {
		return nil, err
	}
	if raw, ok := f[FieldStartTime]; ok {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", FieldStartTime, err)
		}
		s.StartTime = &v
	}
	if raw, ok := f[FieldWinner]; ok {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", FieldWinner, err)
		}
		s.Winner = &v
	}
	if raw, ok := f[FieldPlayerOneStartIdxs]; ok {
		idxs, err := ParseStartIdxs(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", FieldPlayerOneStartIdxs, err)
		}
		s.PlayerOneStartIdxs = &idxs
	}
	if raw, ok := f[FieldPlayerTwoStartIdxs]; ok {
		idxs, err := ParseStartIdxs(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", FieldPlayerTwoStartIdxs, err)
		}
		s.PlayerTwoStartIdxs = &idxs
	}
	return s, nil
}

func parseInt(f Fields, name string) (int64, error) {
	raw, ok := f[name]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", name, err)
	}
	return v, nil
}

// Fields encodes the connection into its stored form.
func (c *Connection) Fields() Fields {
	f := Fields{FieldConnectionID: c.ID}
	if c.SessionID != "" {
		f[FieldSessionID] = c.SessionID
	}
	if c.TicketID != "" {
		f[FieldTicketID] = c.TicketID
	}
	return f
}

// DecodeConnection builds a Connection from its stored form.
func DecodeConnection(f Fields) *Connection {
	return &Connection{
		ID:        f[FieldConnectionID],
		SessionID: f[FieldSessionID],
		TicketID:  f[FieldTicketID],
	}
}
