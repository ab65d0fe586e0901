package verification

import "github.com/couchcryptid/harbor-hazard-core/internal/domain"

// Transition is one state change.
type Transition struct {
	From domain.EventState `json:"from"`
	To   domain.EventState `json:"to"`
}

// Confidence is the mean of the members' credibility weights, in [0, 1].
// An event with no members has zero confidence.
func Confidence(weights []float64) float64 {
	if len(weights) == 0 {
		return 0
	}
	var sum float64
	for _, w := range weights {
		sum += min(max(w, 0), 1)
	}
	return sum / float64(len(weights))
}

// Machine evaluates a Policy.
type Machine struct {
	policy Policy
}

// NewMachine returns a machine for p. Callers validate p first.
func NewMachine(p Policy) *Machine {
	return &Machine{policy: p}
}

// Evaluate returns the transitions an event in state takes given its current
// member count and confidence. Transitions chain, so one call may move
// reported through corroborating to a terminal state when the thresholds
// allow it. Terminal states never move.
func (m *Machine) Evaluate(state domain.EventState, memberCount int, confidence float64) []Transition {
	var out []Transition
	for {
		next, ok := m.step(state, memberCount, confidence)
		if !ok {
			return out
		}
		out = append(out, Transition{From: state, To: next})
		state = next
	}
}

func (m *Machine) step(state domain.EventState, n int, confidence float64) (domain.EventState, bool) {
	p := m.policy
	switch state {
	case domain.StateReported:
		if n >= p.CorroborateMinReports {
			return domain.StateCorroborating, true
		}
	case domain.StateCorroborating:
		if n >= p.VerifyMinReports && confidence >= p.VerifyMinConfidence {
			return domain.StateVerified, true
		}
		if n >= p.RejectMinReports && confidence < p.RejectMaxConfidence {
			return domain.StateRejected, true
		}
	}
	return state, false
}

// Final returns the state after applying transitions, or from when there are none.
func Final(from domain.EventState, transitions []Transition) domain.EventState {
	if len(transitions) == 0 {
		return from
	}
	return transitions[len(transitions)-1].To
}

// OutcomeFor maps a terminal state to the credibility outcome it credits.
func OutcomeFor(state domain.EventState) (domain.Outcome, bool) {
	switch state {
	case domain.StateVerified:
		return domain.OutcomeVerified, true
	case domain.StateRejected:
		return domain.OutcomeRejected, true
	}
	return "", false
}
