package rules

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Rule kinds accepted in manifests.
const (
	KindSingle   = "single"
	KindSequence = "sequence"
)

// Manifest is the YAML half of a rule file pair. The predicate and
// capture entries name source files next to the manifest, consumed by the
// declared backend.
type Manifest struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Severity string   `yaml:"severity"`
	Tags     []string `yaml:"tags"`
	Kind     string   `yaml:"kind"`
	Backend  string   `yaml:"backend"`

	// Single-event rules.
	Predicate string `yaml:"predicate"`
	Capture   string `yaml:"capture"`

	// Sequence rules.
	Stages []StageManifest `yaml:"stages"`
}

// StageManifest is one ordered stage of a sequence rule. WindowMS bounds
// the time allowed from this stage's match until the next stage matches;
// zero means unbounded. The last stage's window is unused.
type StageManifest struct {
	Predicate string `yaml:"predicate"`
	Capture   string `yaml:"capture"`
	WindowMS  int64  `yaml:"window_ms"`
}

// Window returns the stage window as a duration.
func (s StageManifest) Window() time.Duration {
	return time.Duration(s.WindowMS) * time.Millisecond
}

// ParseManifest decodes and validates a rule manifest.
func ParseManifest(raw []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate checks the structural contract of the manifest.
func (m Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("manifest: missing id")
	}
	if m.Backend == "" {
		return fmt.Errorf("manifest %s: missing backend", m.ID)
	}
	switch m.Kind {
	case KindSingle:
		if m.Predicate == "" {
			return fmt.Errorf("manifest %s: single rule needs a predicate", m.ID)
		}
		if len(m.Stages) > 0 {
			return fmt.Errorf("manifest %s: single rule must not declare stages", m.ID)
		}
	case KindSequence:
		if len(m.Stages) < 2 {
			return fmt.Errorf("manifest %s: sequence rule needs at least two stages", m.ID)
		}
		if m.Predicate != "" {
			return fmt.Errorf("manifest %s: sequence rule must not declare a top-level predicate", m.ID)
		}
		for i, st := range m.Stages {
			if st.Predicate == "" {
				return fmt.Errorf("manifest %s: stage %d missing predicate", m.ID, i)
			}
			if st.WindowMS < 0 {
				return fmt.Errorf("manifest %s: stage %d window must not be negative", m.ID, i)
			}
		}
	case "":
		return fmt.Errorf("manifest %s: missing kind", m.ID)
	default:
		return fmt.Errorf("manifest %s: unknown kind %q", m.ID, m.Kind)
	}
	return nil
}
