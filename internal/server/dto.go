package server

import (
	"encoding/json"

	"wolfpack/internal/config"
	"wolfpack/internal/domain"
)

// Request payloads

// CreateSessionRequest overrides the server's base session setup. Omitted
// fields keep the base value.
type CreateSessionRequest struct {
	Players        []string `json:"players,omitempty" minItems:"3"`
	Werewolves     *int     `json:"werewolves,omitempty" minimum:"1"`
	Seer           *bool    `json:"seer,omitempty"`
	Doctor         *bool    `json:"doctor,omitempty"`
	SpeechesPerDay *int     `json:"speeches_per_day,omitempty" minimum:"0"`
	MaxDays        *int     `json:"max_days,omitempty" minimum:"1"`
	Seed           uint64   `json:"seed,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty" enum:"spectator,moderator"`
}

// Response payloads

type SessionResponse struct {
	ID         string  `json:"id"`
	Status     string  `json:"status" enum:"running,finished,failed"`
	Winner     string  `json:"winner,omitempty"`
	Days       int     `json:"days"`
	Players    int     `json:"players"`
	CapReached bool    `json:"cap_reached"`
	Fallbacks  int     `json:"fallbacks"`
	Seed       uint64  `json:"seed"`
	Error      string  `json:"error,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	FinishedAt *string `json:"finished_at,omitempty" format:"date-time"`
}

type ParticipantResponse struct {
	Name  string `json:"name"`
	Role  string `json:"role"`
	Alive bool   `json:"alive"`
}

type SessionDetailResponse struct {
	SessionResponse
	Participants []ParticipantResponse `json:"participants"`
}

type EventResponse struct {
	ID          int64          `json:"id"`
	SessionID   string         `json:"session_id"`
	TS          string         `json:"ts" format:"date-time"`
	Day         int            `json:"day"`
	Phase       string         `json:"phase"`
	Type        string         `json:"type"`
	Visibility  string         `json:"visibility" enum:"public,private,system"`
	Participant string         `json:"participant,omitempty"`
	Message     string         `json:"message"`
	Payload     map[string]any `json:"payload"`
}

type paginatedSessions struct {
	Items []SessionResponse `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type SessionConfigResponse struct {
	Players        []string `json:"players"`
	Werewolves     int      `json:"werewolves"`
	Seer           bool     `json:"seer"`
	Doctor         bool     `json:"doctor"`
	SpeechesPerDay int      `json:"speeches_per_day"`
	MaxDays        int      `json:"max_days"`
	Seed           uint64   `json:"seed"`
	Provider       string   `json:"provider"`
	Model          string   `json:"model,omitempty"`
	MaxAttempts    int      `json:"max_attempts"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"spectator,moderator"`
	Source  string `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Conversion helpers

func sessionResponse(s domain.Session) SessionResponse {
	return SessionResponse(s)
}

func sessionDetailResponse(s domain.Session, ps []domain.ParticipantReport) SessionDetailResponse {
	res := SessionDetailResponse{SessionResponse: sessionResponse(s), Participants: []ParticipantResponse{}}
	for _, p := range ps {
		res.Participants = append(res.Participants, ParticipantResponse{Name: p.Name, Role: p.Role.String(), Alive: p.Alive})
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:          e.ID,
		SessionID:   e.SessionID,
		TS:          e.TS,
		Day:         e.Day,
		Phase:       e.Phase,
		Type:        e.Type,
		Visibility:  e.Visibility,
		Participant: e.Participant,
		Message:     e.Message,
		Payload:     decodeJSONMap(e.Payload),
	}
}

func configResponse(cfg *config.Config) SessionConfigResponse {
	return SessionConfigResponse{
		Players:        nonNilSlice(cfg.Session.Players),
		Werewolves:     cfg.Session.Werewolves,
		Seer:           cfg.Session.Seer,
		Doctor:         cfg.Session.Doctor,
		SpeechesPerDay: cfg.Session.SpeechesPerDay,
		MaxDays:        cfg.Session.MaxDays,
		Seed:           cfg.Session.Seed,
		Provider:       cfg.Generator.Provider,
		Model:          cfg.Generator.Model,
		MaxAttempts:    cfg.Resolver.MaxAttempts,
	}
}

// apply overlays the request on a copy of base.
func (r CreateSessionRequest) apply(base *config.Config) *config.Config {
	cfg := base.Clone()
	if len(r.Players) > 0 {
		cfg.Session.Players = append([]string(nil), r.Players...)
	}
	if r.Werewolves != nil {
		cfg.Session.Werewolves = *r.Werewolves
	}
	if r.Seer != nil {
		cfg.Session.Seer = *r.Seer
	}
	if r.Doctor != nil {
		cfg.Session.Doctor = *r.Doctor
	}
	if r.SpeechesPerDay != nil {
		cfg.Session.SpeechesPerDay = *r.SpeechesPerDay
	}
	if r.MaxDays != nil {
		cfg.Session.MaxDays = *r.MaxDays
	}
	cfg.Session.Seed = r.Seed
	return cfg
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
