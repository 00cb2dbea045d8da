// Package roster owns the participant records of a session.
package roster

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"

	"wolfpack/internal/domain"
	"wolfpack/internal/llm"
)

// MinParticipants is the smallest playable roster.
const MinParticipants = 3

var ErrUnknownParticipant = errors.New("unknown participant")

// RoleCounts is the number of seats per special role. Remaining seats are
// Villagers.
type RoleCounts map[domain.Role]int

// Special returns the total number of non-villager seats.
func (c RoleCounts) Special() int {
	n := 0
	for role, count := range c {
		if role != domain.RoleVillager {
			n += count
		}
	}
	return n
}

// Participant is one seat. Role is fixed at creation, death is irreversible
// and knowledge only grows.
type Participant struct {
	name      string
	role      domain.Role
	alive     bool
	knowledge []string
	History   *llm.History
}

func (p *Participant) Name() string      { return p.name }
func (p *Participant) Role() domain.Role { return p.role }
func (p *Participant) Alive() bool       { return p.alive }

// Knowledge returns a copy of the private facts, in the order learned.
func (p *Participant) Knowledge() []string {
	out := make([]string, len(p.knowledge))
	copy(out, p.knowledge)
	return out
}

// Learn appends a private fact unless already known.
func (p *Participant) Learn(fact string) {
	for _, k := range p.knowledge {
		if k == fact {
			return
		}
	}
	p.knowledge = append(p.knowledge, fact)
}

func (p *Participant) String() string {
	status := "alive"
	if !p.alive {
		status = "dead"
	}
	return fmt.Sprintf("%s (%s, %s)", p.name, p.role, status)
}

// Roster is the ordered set of participants.
type Roster struct {
	participants []*Participant
	byName       map[string]*Participant
}

// Assign validates the setup and deals roles uniformly at random. Names and
// the role multiset are shuffled independently.
func Assign(names []string, counts RoleCounts, historyLimit int, rng *rand.Rand) (*Roster, error) {
	if len(names) < MinParticipants {
		return nil, domain.ConfigurationError{Field: "players", Reason: fmt.Sprintf("need at least %d participants, got %d", MinParticipants, len(names))}
	}
	for role, count := range counts {
		if count < 0 {
			return nil, domain.ConfigurationError{Field: "roles", Reason: fmt.Sprintf("negative count for %s", role)}
		}
	}
	if special := counts.Special(); special > len(names) {
		return nil, domain.ConfigurationError{Field: "roles", Reason: fmt.Sprintf("%d special roles exceed %d participants", special, len(names))}
	}
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			return nil, domain.ConfigurationError{Field: "players", Reason: "empty participant name"}
		}
		key := strings.ToLower(n)
		if _, dup := seen[key]; dup {
			return nil, domain.ConfigurationError{Field: "players", Reason: fmt.Sprintf("duplicate participant name %q", n)}
		}
		seen[key] = struct{}{}
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	shuffled := make([]string, len(names))
	for i, n := range names {
		shuffled[i] = strings.TrimSpace(n)
	}
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	roles := buildRoles(counts, len(names))
	rng.Shuffle(len(roles), func(i, j int) { roles[i], roles[j] = roles[j], roles[i] })

	r := &Roster{byName: make(map[string]*Participant, len(names))}
	for i, name := range shuffled {
		p := &Participant{name: name, role: roles[i], alive: true, History: llm.NewHistory(historyLimit)}
		r.participants = append(r.participants, p)
		r.byName[strings.ToLower(name)] = p
	}
	r.seedKnowledge()
	return r, nil
}

// buildRoles lists special roles in a stable order, padded with Villagers.
func buildRoles(counts RoleCounts, total int) []domain.Role {
	keys := make([]string, 0, len(counts))
	for role := range counts {
		if role != domain.RoleVillager {
			keys = append(keys, string(role))
		}
	}
	sort.Strings(keys)
	roles := make([]domain.Role, 0, total)
	for _, k := range keys {
		for i := 0; i < counts[domain.Role(k)]; i++ {
			roles = append(roles, domain.Role(k))
		}
	}
	for len(roles) < total {
		roles = append(roles, domain.RoleVillager)
	}
	return roles
}

// seedKnowledge tells every participant its role, tells werewolves about
// each other and grants the Seer the werewolf roster once.
func (r *Roster) seedKnowledge() {
	wolves := r.Alive(domain.RoleWerewolf)
	wolfNames := namesOf(wolves)
	for _, p := range r.participants {
		p.Learn(fmt.Sprintf("You are a %s.", p.role))
		switch p.role {
		case domain.RoleWerewolf:
			var others []string
			for _, n := range wolfNames {
				if n != p.name {
					others = append(others, n)
				}
			}
			if len(others) == 0 {
				p.Learn("You are the only werewolf.")
			} else {
				p.Learn(fmt.Sprintf("Your fellow werewolves: %s.", strings.Join(others, ", ")))
			}
		case domain.RoleSeer:
			if len(wolfNames) > 0 {
				p.Learn(fmt.Sprintf("Your vision at the start of the game: the werewolves are %s.", strings.Join(wolfNames, ", ")))
			}
		}
	}
}

// All returns every participant in seat order.
func (r *Roster) All() []*Participant {
	out := make([]*Participant, len(r.participants))
	copy(out, r.participants)
	return out
}

// Alive returns living participants in seat order, optionally restricted to
// the given roles.
func (r *Roster) Alive(roles ...domain.Role) []*Participant {
	var out []*Participant
	for _, p := range r.participants {
		if !p.alive {
			continue
		}
		if len(roles) > 0 && !hasRole(roles, p.role) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// AliveFaction returns living participants counting toward f.
func (r *Roster) AliveFaction(f domain.Faction) []*Participant {
	var out []*Participant
	for _, p := range r.participants {
		if p.alive && p.role.Faction() == f {
			out = append(out, p)
		}
	}
	return out
}

// ByName looks a participant up case-insensitively.
func (r *Roster) ByName(name string) (*Participant, bool) {
	p, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// RecordDeath marks name dead. It reports false when the participant was
// already dead.
func (r *Roster) RecordDeath(name string) (bool, error) {
	p, ok := r.ByName(name)
	if !ok {
		return false, fmt.Errorf("record death %q: %w", name, ErrUnknownParticipant)
	}
	if !p.alive {
		return false, nil
	}
	p.alive = false
	return true, nil
}

// Report lists every participant with the true role.
func (r *Roster) Report() []domain.ParticipantReport {
	out := make([]domain.ParticipantReport, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, domain.ParticipantReport{Name: p.name, Role: p.role, Alive: p.alive})
	}
	return out
}

// Names returns participant names in seat order.
func Names(ps []*Participant) []string {
	return namesOf(ps)
}

func namesOf(ps []*Participant) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.name
	}
	return out
}

func hasRole(roles []domain.Role, role domain.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
