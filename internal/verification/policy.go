// Package verification decides how a hazard event moves through its
// lifecycle as corroborating reports arrive.
//
//	reported -> corroborating -> verified
//	                          -> rejected
//
// Verified and rejected are terminal. Rejection is only reachable from
// corroborating, so a lone report can never be rejected outright.
package verification

import (
	"errors"
	"fmt"
)

// Policy holds the transition thresholds.
type Policy struct {
	CorroborateMinReports int     `yaml:"corroborate_min_reports"`
	VerifyMinReports      int     `yaml:"verify_min_reports"`
	VerifyMinConfidence   float64 `yaml:"verify_min_confidence"`
	RejectMinReports      int     `yaml:"reject_min_reports"`
	RejectMaxConfidence   float64 `yaml:"reject_max_confidence"` // exclusive
}

// DefaultPolicy returns the production thresholds.
func DefaultPolicy() Policy {
	return Policy{
		CorroborateMinReports: 2,
		VerifyMinReports:      3,
		VerifyMinConfidence:   0.6,
		RejectMinReports:      5,
		RejectMaxConfidence:   0.25,
	}
}

// Validate checks that the thresholds describe a usable lifecycle.
func (p Policy) Validate() error {
	if p.CorroborateMinReports < 2 {
		return errors.New("corroborate_min_reports must be at least 2")
	}
	if p.VerifyMinReports < p.CorroborateMinReports {
		return fmt.Errorf("verify_min_reports (%d) must be >= corroborate_min_reports (%d)", p.VerifyMinReports, p.CorroborateMinReports)
	}
	if p.RejectMinReports < p.CorroborateMinReports {
		return fmt.Errorf("reject_min_reports (%d) must be >= corroborate_min_reports (%d)", p.RejectMinReports, p.CorroborateMinReports)
	}
	if p.VerifyMinConfidence < 0 || p.VerifyMinConfidence > 1 {
		return errors.New("verify_min_confidence must be within [0, 1]")
	}
	if p.RejectMaxConfidence < 0 || p.RejectMaxConfidence > 1 {
		return errors.New("reject_max_confidence must be within [0, 1]")
	}
	if p.RejectMaxConfidence > p.VerifyMinConfidence {
		return errors.New("reject_max_confidence must not exceed verify_min_confidence")
	}
	return nil
}
