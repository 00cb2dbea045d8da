package roster

import (
	"errors"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wolfpack/internal/domain"
)

func seeded(seed uint64) *rand.Rand { return rand.New(rand.NewPCG(seed, seed)) }

func TestAssignValidates(t *testing.T) {
	tests := []struct {
		name   string
		names  []string
		counts RoleCounts
	}{
		{"too few", []string{"A", "B"}, RoleCounts{domain.RoleWerewolf: 1}},
		{"too many specials", []string{"A", "B", "C"}, RoleCounts{domain.RoleWerewolf: 2, domain.RoleSeer: 1, domain.RoleDoctor: 1}},
		{"duplicate", []string{"A", "b", "B"}, RoleCounts{domain.RoleWerewolf: 1}},
		{"empty name", []string{"A", " ", "C"}, RoleCounts{domain.RoleWerewolf: 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Assign(tc.names, tc.counts, 0, seeded(1))
			var cfgErr domain.ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
		})
	}
}

func TestAssignNamesNegativeCount(t *testing.T) {
	// the negative Seer count would otherwise hide the werewolf overflow
	_, err := Assign([]string{"A", "B", "C"}, RoleCounts{domain.RoleWerewolf: 5, domain.RoleSeer: -3}, 0, seeded(1))
	var cfgErr domain.ConfigurationError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
	assert.Equal(t, "roles", cfgErr.Field)
	assert.Contains(t, cfgErr.Reason, "negative count for")
}

func TestAssignDealsExactCounts(t *testing.T) {
	names := []string{"A", "B", "C", "D", "E", "F", "G"}
	r, err := Assign(names, RoleCounts{domain.RoleWerewolf: 2, domain.RoleSeer: 1, domain.RoleDoctor: 1}, 0, seeded(3))
	require.NoError(t, err)
	assert.Len(t, r.Alive(domain.RoleWerewolf), 2)
	assert.Len(t, r.Alive(domain.RoleSeer), 1)
	assert.Len(t, r.Alive(domain.RoleDoctor), 1)
	assert.Len(t, r.Alive(domain.RoleVillager), 3)
	assert.ElementsMatch(t, names, Names(r.All()))
	assert.Len(t, r.AliveFaction(domain.FactionWerewolves), 2)
	assert.Len(t, r.AliveFaction(domain.FactionVillagers), 5)
}

func TestAssignIsRoughlyUniform(t *testing.T) {
	names := []string{"A", "B", "C", "D"}
	wolfSeat := map[string]int{}
	const rounds = 4000
	src := seeded(11)
	for i := 0; i < rounds; i++ {
		r, err := Assign(names, RoleCounts{domain.RoleWerewolf: 1}, 0, src)
		require.NoError(t, err)
		wolfSeat[r.Alive(domain.RoleWerewolf)[0].Name()]++
	}
	for _, n := range names {
		share := float64(wolfSeat[n]) / rounds
		assert.InDelta(t, 0.25, share, 0.05, "werewolf share for %s", n)
	}
}

func TestSeedKnowledge(t *testing.T) {
	r, err := Assign([]string{"A", "B", "C", "D", "E", "F"}, RoleCounts{domain.RoleWerewolf: 2, domain.RoleSeer: 1}, 0, seeded(5))
	require.NoError(t, err)
	wolves := r.Alive(domain.RoleWerewolf)
	for _, w := range wolves {
		k := strings.Join(w.Knowledge(), "\n")
		assert.Contains(t, k, "You are a Werewolf.")
		for _, other := range wolves {
			if other != w {
				assert.Contains(t, k, other.Name())
			}
		}
	}
	seer := r.Alive(domain.RoleSeer)[0]
	vision := strings.Join(seer.Knowledge(), "\n")
	for _, w := range wolves {
		assert.Contains(t, vision, w.Name())
	}
	for _, v := range r.Alive(domain.RoleVillager) {
		assert.Equal(t, []string{"You are a Villager."}, v.Knowledge())
	}
}

func TestLoneWerewolfIsTold(t *testing.T) {
	r, err := Assign([]string{"A", "B", "C"}, RoleCounts{domain.RoleWerewolf: 1}, 0, seeded(2))
	require.NoError(t, err)
	assert.Contains(t, r.Alive(domain.RoleWerewolf)[0].Knowledge(), "You are the only werewolf.")
}

func TestRecordDeathIsIdempotent(t *testing.T) {
	r, err := Assign([]string{"A", "B", "C", "D"}, RoleCounts{domain.RoleWerewolf: 1}, 0, seeded(9))
	require.NoError(t, err)

	changed, err := r.RecordDeath("a")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, r.Alive(), 3)

	changed, err = r.RecordDeath("A")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, r.Alive(), 3)

	_, err = r.RecordDeath("Zed")
	assert.ErrorIs(t, err, ErrUnknownParticipant)
}

func TestLearnDeduplicates(t *testing.T) {
	p := &Participant{name: "A"}
	p.Learn("x")
	p.Learn("y")
	p.Learn("x")
	assert.Equal(t, []string{"x", "y"}, p.Knowledge())
}
