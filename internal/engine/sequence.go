package engine

import (
	"context"
	"errors"

	"kestrel/internal/logger"
	"kestrel/internal/metrics"
	"kestrel/internal/rules"
	"kestrel/internal/runtime"
	"kestrel/pkg/models"
)

type seqKey struct {
	entity models.EntityKey
	ruleID string
}

// candidate is one in-flight sequence attempt. stage is the index of the
// last matched stage; deadline is the ts_mono_ns by which the next stage
// must match (0 means unbounded); created orders candidates for oldest
// eviction at the overlap cap.
type candidate struct {
	stage    int
	deadline uint64
	created  uint64
	captured map[string]models.TypedValue
}

// seqStore holds the sequence state owned by one partition. Exactly one
// worker touches a given store, so no locking.
type seqStore struct {
	pool       *runtime.Pool
	metrics    *metrics.Metrics
	log        logger.Component
	overlapCap int

	states map[seqKey][]*candidate
	maxTs  uint64
}

func newSeqStore(pool *runtime.Pool, m *metrics.Metrics, overlapCap int, log logger.Component) *seqStore {
	return &seqStore{
		pool:       pool,
		metrics:    m,
		log:        log,
		overlapCap: overlapCap,
		states:     make(map[seqKey][]*candidate),
	}
}

// observe runs one event through every enabled sequence rule and returns
// the alerts produced by completed sequences. Expired candidates for the
// event's entity are dropped before any matching.
func (s *seqStore) observe(ctx context.Context, ev *models.Event, seqRules []*rules.Rule) []*models.Alert {
	if ev.TsMonoNs > s.maxTs {
		s.maxTs = ev.TsMonoNs
	}

	var alerts []*models.Alert
	for _, rule := range seqRules {
		key := seqKey{entity: ev.Entity, ruleID: rule.ID}
		cands := s.states[key]

		// Lazy expiry before any match attempt.
		live := cands[:0]
		for _, c := range cands {
			if c.deadline != 0 && ev.TsMonoNs > c.deadline {
				s.metrics.AddSequenceStates(-1)
				continue
			}
			live = append(live, c)
		}

		// Advance existing candidates.
		kept := live[:0]
		for _, c := range live {
			next := c.stage + 1
			if !s.evalStage(ctx, rule, next, ev) {
				kept = append(kept, c)
				continue
			}
			s.captureStage(ctx, rule, next, ev, c)
			if next == len(rule.Stages)-1 {
				alerts = append(alerts, models.NewAlert(
					rule.ID, rule.Name, rule.Severity, rule.Tags, ev, c.captured))
				s.metrics.AddSequenceStates(-1)
				continue
			}
			c.stage = next
			c.deadline = stageDeadline(rule, next, ev.TsMonoNs)
			kept = append(kept, c)
		}

		// A stage-0 match opens a fresh candidate, evicting the oldest
		// one past the overlap cap.
		if s.evalStage(ctx, rule, 0, ev) {
			c := &candidate{
				stage:    0,
				deadline: stageDeadline(rule, 0, ev.TsMonoNs),
				created:  ev.TsMonoNs,
				captured: make(map[string]models.TypedValue),
			}
			s.captureStage(ctx, rule, 0, ev, c)
			if len(kept) >= s.overlapCap {
				kept = evictOldest(kept)
				s.metrics.AddSequenceStates(-1)
			}
			kept = append(kept, c)
			s.metrics.AddSequenceStates(1)
		}

		if len(kept) == 0 {
			delete(s.states, key)
		} else {
			s.states[key] = kept
		}
	}
	return alerts
}

// sweep reclaims candidates whose deadline has passed, using the highest
// event time the partition has seen, and candidates whose rule is no
// longer an enabled sequence rule. Entities that went silent and rules
// that were unloaded mid-sequence are collected here rather than on
// their next event.
func (s *seqStore) sweep(seqRules []*rules.Rule) {
	active := make(map[string]bool, len(seqRules))
	for _, r := range seqRules {
		active[r.ID] = true
	}
	for key, cands := range s.states {
		if !active[key.ruleID] {
			s.metrics.AddSequenceStates(-len(cands))
			delete(s.states, key)
			continue
		}
		live := cands[:0]
		for _, c := range cands {
			if c.deadline != 0 && s.maxTs > c.deadline {
				s.metrics.AddSequenceStates(-1)
				continue
			}
			live = append(live, c)
		}
		if len(live) == 0 {
			delete(s.states, key)
		} else {
			s.states[key] = live
		}
	}
}

func (s *seqStore) size() int {
	n := 0
	for _, cands := range s.states {
		n += len(cands)
	}
	return n
}

func (s *seqStore) evalStage(ctx context.Context, rule *rules.Rule, stage int, ev *models.Event) bool {
	matched, err := s.pool.Eval(ctx, rule.Stages[stage].Program, ev)
	if err != nil {
		s.countFault(rule.ID, err)
		return false
	}
	return matched
}

func (s *seqStore) captureStage(ctx context.Context, rule *rules.Rule, stage int, ev *models.Event, c *candidate) {
	fields, err := s.pool.Capture(ctx, rule.Stages[stage].Program, ev)
	if err != nil {
		s.countFault(rule.ID, err)
		return
	}
	if c.captured == nil && len(fields) > 0 {
		c.captured = make(map[string]models.TypedValue, len(fields))
	}
	for k, v := range fields {
		c.captured[k] = v
	}
}

func (s *seqStore) countFault(ruleID string, err error) {
	s.metrics.IncRuleFault(ruleID, faultKind(err))
	s.log.Debugf("sequence rule %s fault: %v", ruleID, err)
}

// faultKind extracts the fault classification for metric labels.
func faultKind(err error) string {
	var fault *runtime.Fault
	if errors.As(err, &fault) {
		return string(fault.Kind)
	}
	return string(runtime.FaultTrap)
}

func stageDeadline(rule *rules.Rule, stage int, ts uint64) uint64 {
	w := rule.Stages[stage].Window
	if w <= 0 {
		return 0
	}
	return ts + uint64(w.Nanoseconds())
}

func evictOldest(cands []*candidate) []*candidate {
	oldest := 0
	for i, c := range cands {
		if c.created < cands[oldest].created {
			oldest = i
		}
	}
	return append(cands[:oldest], cands[oldest+1:]...)
}
