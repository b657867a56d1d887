package realtime

import (
	"encoding/json"
	"time"
)

// Server-published room events.
const (
	EvtGameStarted   = "game:started"
	EvtPhaseChange   = "game:phase:change"
	EvtAnswerStats   = "game:answer:stats:update"
	EvtAnswerLocked  = "game:answer:locked"
	EvtQuestionEnded = "game:question:ended"
	EvtGamePaused    = "game:pause"
	EvtGameResumed   = "game:resume"
	EvtGameEnd       = "game:end"

	// EvtAnswerStatsLegacy is the pre-rename stats event some deployments
	// still publish. Subscribers should treat it exactly like EvtAnswerStats.
	EvtAnswerStatsLegacy = "game:answer:stats"
)

// Events lists every event name a room display cares about.
func Events() []string {
	return []string{
		EvtGameStarted,
		EvtPhaseChange,
		EvtAnswerStats,
		EvtAnswerStatsLegacy,
		EvtAnswerLocked,
		EvtQuestionEnded,
		EvtGamePaused,
		EvtGameResumed,
		EvtGameEnd,
	}
}

// Event is the server -> client envelope. Data stays raw until a
// subscriber decodes it against the payload type for the event name.
type Event struct {
	Name   string          `json:"event"`
	RoomID string          `json:"room_id,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// frame is the client -> server envelope.
type frame struct {
	Type   string          `json:"type"`
	RoomID string          `json:"room_id,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

const (
	frameJoin  = "join"
	frameLeave = "leave"
	frameEvent = "event"
)

type GameStartedPayload struct {
	RoomID    string     `json:"room_id,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

type PhaseChangePayload struct {
	RoomID    string     `json:"room_id,omitempty"`
	Phase     string     `json:"phase"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

type StatsPayload struct {
	RoomID     string         `json:"room_id,omitempty"`
	QuestionID string         `json:"question_id,omitempty"`
	Counts     map[string]int `json:"counts"`
}

type AnswerLockedPayload struct {
	RoomID     string         `json:"room_id,omitempty"`
	QuestionID string         `json:"question_id,omitempty"`
	Counts     map[string]int `json:"counts,omitempty"`
}

// NewEvent marshals payload into an outbound envelope.
func NewEvent(name, roomID string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, RoomID: roomID, Data: data}, nil
}
