package dispute

import (
	"fmt"
	"time"
)

const (
	highPriorityAbove = 50_000
	lowPriorityBelow  = 5_000
)

// PriorityFor derives a case priority from the disputed amount in minor units.
// Amounts above 50,000 are HIGH, below 5,000 LOW, anything else MEDIUM.
func PriorityFor(amount int64) Priority {
	switch {
	case amount > highPriorityAbove:
		return PriorityHigh
	case amount < lowPriorityBelow:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// ResolutionDays is the target turnaround for a priority.
func ResolutionDays(p Priority) int {
	switch p {
	case PriorityHigh:
		return 5
	case PriorityMedium:
		return 10
	default:
		return 15
	}
}

// ExpectedResolution returns the target resolution date for a case opened at openedAt.
func ExpectedResolution(p Priority, openedAt time.Time) time.Time {
	return openedAt.AddDate(0, 0, ResolutionDays(p))
}

// Roster lists the handling agents and notified admins for each priority.
type Roster struct {
	Agents map[Priority][]string
	Admins map[Priority][]string
}

// Assigner picks the handling agent for a new case.
type Assigner interface {
	Assign(p Priority, seq int64) (string, error)
	Admins(p Priority) []string
}

// RosterAssigner rotates through a tier's agents by case sequence, so the same
// sequence always lands on the same agent.
type RosterAssigner struct {
	roster Roster
}

func NewRosterAssigner(roster Roster) *RosterAssigner {
	return &RosterAssigner{roster: roster}
}

func (a *RosterAssigner) Assign(p Priority, seq int64) (string, error) {
	agents := a.roster.Agents[p]
	if len(agents) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoAgent, p)
	}
	if seq < 1 {
		seq = 1
	}
	return agents[(seq-1)%int64(len(agents))], nil
}

func (a *RosterAssigner) Admins(p Priority) []string {
	admins := a.roster.Admins[p]
	out := make([]string, len(admins))
	copy(out, admins)
	return out
}
