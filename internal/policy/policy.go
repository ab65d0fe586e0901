// Package policy loads the tunable thresholds for deduplication,
// verification and alert dispatch from a YAML file.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/couchcryptid/harbor-hazard-core/internal/alerting"
	"github.com/couchcryptid/harbor-hazard-core/internal/dedup"
	"github.com/couchcryptid/harbor-hazard-core/internal/verification"
	"gopkg.in/yaml.v3"
)

// Policy groups every tunable threshold of the core.
type Policy struct {
	Dedup        dedup.Policy        `yaml:"dedup"`
	Verification verification.Policy `yaml:"verification"`
	Dispatch     alerting.Config     `yaml:"dispatch"`
}

// Default returns the built-in thresholds.
func Default() Policy {
	return Policy{
		Dedup:        dedup.DefaultPolicy(),
		Verification: verification.DefaultPolicy(),
		Dispatch:     alerting.DefaultConfig(),
	}
}

// Load reads a policy file. Keys absent from the file keep their default
// values; an empty path returns Default.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (Policy, error) {
	p := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks every section.
func (p Policy) Validate() error {
	if err := p.Dedup.Validate(); err != nil {
		return fmt.Errorf("dedup: %w", err)
	}
	if err := p.Verification.Validate(); err != nil {
		return fmt.Errorf("verification: %w", err)
	}
	if p.Dispatch.LedgerTTL <= 0 {
		return errors.New("dispatch: ledger_ttl must be positive")
	}
	if p.Dispatch.PlacesRadiusKm < 0 {
		return errors.New("dispatch: places_radius_km must not be negative")
	}
	if p.Dispatch.MaxPlaces < 0 {
		return errors.New("dispatch: max_places must not be negative")
	}
	if p.Dispatch.FlushTimeout <= 0 {
		return errors.New("dispatch: flush_timeout must be positive")
	}
	return nil
}
