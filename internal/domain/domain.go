package domain

// Role is a participant's secret role. The set is closed per session but new
// roles only need a Faction mapping and engine prompts.
type Role string

const (
	RoleVillager Role = "Villager"
	RoleWerewolf Role = "Werewolf"
	RoleSeer     Role = "Seer"
	RoleDoctor   Role = "Doctor"
)

// Faction groups roles for win-condition counting.
type Faction string

const (
	FactionNone       Faction = ""
	FactionVillagers  Faction = "villagers"
	FactionWerewolves Faction = "werewolves"
)

// Faction returns the faction a role counts toward.
func (r Role) Faction() Faction {
	if r == RoleWerewolf {
		return FactionWerewolves
	}
	return FactionVillagers
}

func (r Role) String() string { return string(r) }

// Phase is a PhaseController state.
type Phase string

const (
	PhaseSetup    Phase = "setup"
	PhaseNight    Phase = "night"
	PhaseDay      Phase = "day"
	PhaseGameOver Phase = "game_over"
)

func (p Phase) String() string { return string(p) }

// CanTransitionTo reports whether the state machine allows moving from p to target.
func (p Phase) CanTransitionTo(target Phase) bool {
	validTransitions := map[Phase][]Phase{
		PhaseSetup: {PhaseNight, PhaseGameOver},
		PhaseNight: {PhaseDay, PhaseGameOver},
		PhaseDay:   {PhaseNight, PhaseGameOver},
	}
	for _, phase := range validTransitions[p] {
		if phase == target {
			return true
		}
	}
	return false
}

// Outcome is the running game result. Once Decided it never changes.
type Outcome struct {
	Decided bool    `json:"decided"`
	Winner  Faction `json:"winner,omitempty"`
}

// Session statuses.
const (
	SessionRunning  = "running"
	SessionFinished = "finished"
	SessionFailed   = "failed"
)

// Session is a stored game run.
type Session struct {
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

type ParticipantReport struct {
	Name  string `json:"name"`
	Role  Role   `json:"role"`
	Alive bool   `json:"alive"`
}

// Report is the end-of-session summary.
type Report struct {
	SessionID    string              `json:"session_id,omitempty"`
	Winner       Faction             `json:"winner,omitempty"`
	Days         int                 `json:"days"`
	CapReached   bool                `json:"cap_reached"`
	Fallbacks    int                 `json:"fallbacks"`
	Participants []ParticipantReport `json:"participants"`
}

// WinnerLabel renders the winner, or "none" when the day cap ended the game.
func (r Report) WinnerLabel() string {
	if r.Winner == FactionNone {
		return "none"
	}
	return string(r.Winner)
}

// Event is a stored narration entry.
type Event struct {
	ID          int64  `json:"id"`
	SessionID   string `json:"session_id"`
	TS          string `json:"ts" format:"date-time"`
	Day         int    `json:"day"`
	Phase       string `json:"phase"`
	Type        string `json:"type"`
	Visibility  string `json:"visibility" enum:"public,private,system"`
	Participant string `json:"participant,omitempty"`
	Message     string `json:"message"`
	Payload     string `json:"payload_json"`
}

// Access levels of API keys and tokens. Moderators may read private and system events.
const (
	AccessSpectator = "spectator"
	AccessModerator = "moderator"
)

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role" enum:"spectator,moderator"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
