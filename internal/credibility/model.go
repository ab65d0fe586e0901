// Package credibility tracks how much each submitter's reports can be trusted.
//
// A score starts at BaseScore and moves with verification outcomes:
// each verified report adds VerifiedBonus and each rejected one subtracts
// RejectedPenalty, clamped to [0, 100]. Scores only change through
// RecordOutcome, which the verification flow calls when an event reaches a
// terminal state.
package credibility

import (
	"strings"
	"sync"

	"github.com/couchcryptid/harbor-hazard-core/internal/domain"
)

const (
	BaseScore       = 50.0
	VerifiedBonus   = 5.0
	RejectedPenalty = 8.0
	MaxScore        = 100.0
)

// Tier names shown on a submitter's profile.
const (
	TierExpert  = "Expert"
	TierTrusted = "Trusted"
	TierActive  = "Active"
	TierNew     = "New"
)

// ScoreFor computes the score for a history of outcomes.
func ScoreFor(total, verified int) float64 {
	rejected := total - verified
	s := BaseScore + VerifiedBonus*float64(verified) - RejectedPenalty*float64(rejected)
	return min(max(s, 0), MaxScore)
}

// Tier maps a score onto a profile tier.
func Tier(score float64) string {
	switch {
	case score >= 90:
		return TierExpert
	case score >= 75:
		return TierTrusted
	case score >= 60:
		return TierActive
	default:
		return TierNew
	}
}

type record struct {
	mu       sync.Mutex
	total    int
	verified int
}

func (r *record) snapshot(userID string) domain.UserCredibility {
	score := ScoreFor(r.total, r.verified)
	return domain.UserCredibility{
		UserID:           userID,
		CredibilityScore: score,
		TotalReports:     r.total,
		VerifiedReports:  r.verified,
		Tier:             Tier(score),
	}
}

// Model holds credibility records in memory. Updates for one user are
// serialized; different users proceed in parallel.
type Model struct {
	mu    sync.RWMutex
	users map[string]*record
}

// New creates an empty model.
func New() *Model {
	return &Model{users: make(map[string]*record)}
}

func (m *Model) lookup(userID string) *record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.users[userID]
}

func (m *Model) lookupOrCreate(userID string) *record {
	if r := m.lookup(userID); r != nil {
		return r
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.users[userID]; ok {
		return r
	}
	r := &record{}
	m.users[userID] = r
	return r
}

// Score returns the user's score in [0, 100]. Unknown users score BaseScore.
func (m *Model) Score(userID string) float64 {
	r := m.lookup(userID)
	if r == nil {
		return BaseScore
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return ScoreFor(r.total, r.verified)
}

// Weight is the user's score scaled to [0, 1].
func (m *Model) Weight(userID string) float64 {
	return m.Score(userID) / MaxScore
}

// Get returns the user's record. Unknown users get a fresh record at the base
// score, so Get never fails.
func (m *Model) Get(userID string) domain.UserCredibility {
	r := m.lookup(userID)
	if r == nil {
		return (&record{}).snapshot(userID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(userID)
}

// RecordOutcome credits one verification outcome to the user and returns the
// updated record.
func (m *Model) RecordOutcome(userID string, outcome domain.Outcome) (domain.UserCredibility, error) {
	const op = "record outcome"
	if strings.TrimSpace(userID) == "" {
		return domain.UserCredibility{}, domain.Validation(op, "user id is required")
	}
	if outcome != domain.OutcomeVerified && outcome != domain.OutcomeRejected {
		return domain.UserCredibility{}, domain.Validation(op, "unknown outcome %q", outcome)
	}

	r := m.lookupOrCreate(userID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total++
	if outcome == domain.OutcomeVerified {
		r.verified++
	}
	return r.snapshot(userID), nil
}

// Seed replaces a user's history, for fixtures and replays. The stored score
// is always recomputed from the counts.
func (m *Model) Seed(u domain.UserCredibility) error {
	const op = "seed credibility"
	if strings.TrimSpace(u.UserID) == "" {
		return domain.Validation(op, "user id is required")
	}
	if u.VerifiedReports < 0 || u.TotalReports < u.VerifiedReports {
		return domain.Validation(op, "need 0 <= verified (%d) <= total (%d)", u.VerifiedReports, u.TotalReports)
	}

	r := m.lookupOrCreate(u.UserID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total = u.TotalReports
	r.verified = u.VerifiedReports
	return nil
}

// Users returns a snapshot of every known record.
func (m *Model) Users() []domain.UserCredibility {
	m.mu.RLock()
	ids := make([]string, 0, len(m.users))
	recs := make([]*record, 0, len(m.users))
	for id, r := range m.users {
		ids = append(ids, id)
		recs = append(recs, r)
	}
	m.mu.RUnlock()

	out := make([]domain.UserCredibility, len(ids))
	for i, r := range recs {
		r.mu.Lock()
		out[i] = r.snapshot(ids[i])
		r.mu.Unlock()
	}
	return out
}
