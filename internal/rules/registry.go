package rules

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"kestrel/internal/logger"
	"kestrel/internal/runtime"
	"kestrel/pkg/models"
)

// ErrRuleNotFound is returned by unload/enable/disable for unknown ids.
var ErrRuleNotFound = errors.New("rules: rule not found")

// Stage is one compiled stage of a sequence rule.
type Stage struct {
	Program runtime.Program
	Window  time.Duration
}

// Rule is a compiled, loaded rule. Rules inside a snapshot are immutable;
// toggling enabled produces a new snapshot with a replaced copy.
type Rule struct {
	ID       string
	Name     string
	Severity models.Severity
	Tags     []string
	Kind     string
	Backend  string
	Enabled  bool

	// Program is set for single-event rules, Stages for sequence rules.
	Program runtime.Program
	Stages  []Stage
}

func (r *Rule) closePrograms() {
	if r.Program != nil {
		r.Program.Close()
	}
	for _, st := range r.Stages {
		st.Program.Close()
	}
}

// Snapshot is an immutable point-in-time view of the rule set. Workers
// pin one snapshot for the duration of a single event.
type Snapshot struct {
	version   uint64
	rules     map[string]*Rule
	single    []*Rule
	sequences []*Rule
}

// Version increases on every successful registry mutation.
func (s *Snapshot) Version() uint64 { return s.version }

// Get returns the rule with the given id.
func (s *Snapshot) Get(id string) (*Rule, bool) {
	r, ok := s.rules[id]
	return r, ok
}

// List returns all loaded rules ordered by id.
func (s *Snapshot) List() []*Rule {
	out := make([]*Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Single returns the enabled single-event rules ordered by id.
func (s *Snapshot) Single() []*Rule { return s.single }

// Sequences returns the enabled sequence rules ordered by id.
func (s *Snapshot) Sequences() []*Rule { return s.sequences }

// Len is the number of loaded rules, enabled or not.
func (s *Snapshot) Len() int { return len(s.rules) }

// StageSource carries the raw predicate material for one sequence stage.
type StageSource struct {
	Predicate []byte
	Capture   []byte
}

// Sources carries the raw predicate material referenced by a manifest.
type Sources struct {
	Predicate []byte
	Capture   []byte
	Stages    []StageSource
}

// Registry compiles rules and publishes them as atomically swappable
// snapshots. Loads are compile-before-visible: a failed load leaves the
// prior snapshot untouched.
type Registry struct {
	pool *runtime.Pool
	log  logger.Component

	mu      sync.Mutex
	version uint64
	snap    atomic.Pointer[Snapshot]
}

// NewRegistry creates a registry with an empty active snapshot.
func NewRegistry(pool *runtime.Pool) *Registry {
	r := &Registry{
		pool: pool,
		log:  logger.WithComponent("rules"),
	}
	r.snap.Store(&Snapshot{rules: map[string]*Rule{}})
	return r
}

// Snapshot returns the active snapshot. The returned value never changes;
// callers observing a reload see it only on the next call.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Load compiles a rule and publishes a new snapshot containing it. A rule
// with the same id is replaced. Compile failures return a
// *runtime.CompileError and leave the active snapshot unchanged.
func (r *Registry) Load(m Manifest, src Sources) error {
	if err := m.Validate(); err != nil {
		return &runtime.CompileError{
			Backend: m.Backend,
			RuleID:  m.ID,
			Diag:    err.Error(),
			Err:     err,
		}
	}

	rule := &Rule{
		ID:       m.ID,
		Name:     m.Name,
		Severity: models.ParseSeverity(m.Severity),
		Tags:     m.Tags,
		Kind:     m.Kind,
		Backend:  m.Backend,
		Enabled:  true,
	}

	switch m.Kind {
	case KindSingle:
		prog, err := r.pool.Compile(m.Backend, runtime.Source{
			RuleID:    m.ID,
			Predicate: src.Predicate,
			Capture:   src.Capture,
		})
		if err != nil {
			return err
		}
		rule.Program = prog
	case KindSequence:
		if len(src.Stages) != len(m.Stages) {
			return &runtime.CompileError{
				Backend: m.Backend,
				RuleID:  m.ID,
				Diag: fmt.Sprintf("manifest declares %d stages, got %d sources",
					len(m.Stages), len(src.Stages)),
			}
		}
		stages := make([]Stage, 0, len(m.Stages))
		for i, sm := range m.Stages {
			prog, err := r.pool.Compile(m.Backend, runtime.Source{
				RuleID:    fmt.Sprintf("%s#%d", m.ID, i),
				Predicate: src.Stages[i].Predicate,
				Capture:   src.Stages[i].Capture,
			})
			if err != nil {
				for _, st := range stages {
					st.Program.Close()
				}
				return err
			}
			stages = append(stages, Stage{Program: prog, Window: sm.Window()})
		}
		rule.Stages = stages
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.snap.Load().rules[m.ID]
	r.publish(func(rules map[string]*Rule) {
		rules[m.ID] = rule
	})
	if prev != nil {
		prev.closePrograms()
	}
	r.log.Infof("loaded rule %s (%s, %s)", rule.ID, rule.Kind, rule.Backend)
	return nil
}

// Unload removes a rule and publishes a new snapshot.
func (r *Registry) Unload(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.snap.Load().rules[id]
	if !ok {
		return fmt.Errorf("unload %s: %w", id, ErrRuleNotFound)
	}
	r.publish(func(rules map[string]*Rule) {
		delete(rules, id)
	})
	prev.closePrograms()
	r.log.Infof("unloaded rule %s", id)
	return nil
}

// Enable marks a rule enabled and publishes a new snapshot.
func (r *Registry) Enable(id string) error { return r.setEnabled(id, true) }

// Disable marks a rule disabled and publishes a new snapshot. The rule
// stays loaded and compiled.
func (r *Registry) Disable(id string) error { return r.setEnabled(id, false) }

func (r *Registry) setEnabled(id string, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.snap.Load().rules[id]
	if !ok {
		return fmt.Errorf("toggle %s: %w", id, ErrRuleNotFound)
	}
	if prev.Enabled == on {
		return nil
	}
	next := *prev
	next.Enabled = on
	r.publish(func(rules map[string]*Rule) {
		rules[id] = &next
	})
	return nil
}

// List returns all loaded rules from the active snapshot, ordered by id.
func (r *Registry) List() []*Rule {
	return r.snap.Load().List()
}

// Get returns the rule with the given id from the active snapshot.
func (r *Registry) Get(id string) (*Rule, bool) {
	return r.snap.Load().Get(id)
}

// publish copies the active rule map, applies the mutation, and swaps in
// a new snapshot. Caller holds r.mu.
func (r *Registry) publish(mutate func(map[string]*Rule)) {
	cur := r.snap.Load()
	rules := make(map[string]*Rule, len(cur.rules)+1)
	for id, rule := range cur.rules {
		rules[id] = rule
	}
	mutate(rules)

	r.version++
	next := &Snapshot{version: r.version, rules: rules}
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		switch rule.Kind {
		case KindSingle:
			next.single = append(next.single, rule)
		case KindSequence:
			next.sequences = append(next.sequences, rule)
		}
	}
	sort.Slice(next.single, func(i, j int) bool { return next.single[i].ID < next.single[j].ID })
	sort.Slice(next.sequences, func(i, j int) bool { return next.sequences[i].ID < next.sequences[j].ID })
	r.snap.Store(next)
}
