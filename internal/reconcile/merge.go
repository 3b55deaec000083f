package reconcile

import (
	"github.com/KevinKickass/loomwatch/internal/counter"
	"github.com/KevinKickass/loomwatch/internal/types"
)

// Rule names a divergence rule that fired during a merge.
type Rule string

const (
	RuleSession    Rule = "session"
	RuleShiftStart Rule = "shift_start"
	RuleProduction Rule = "production"
	RuleReset      Rule = "accumulator_reset"
	RuleTarget     Rule = "target"
)

// Decision is the outcome of merging a cache record into local state.
type Decision struct {
	State counter.State
	Fired []Rule
}

// Changed reports whether any divergence rule fired.
func (d Decision) Changed() bool {
	return len(d.Fired) > 0
}

// Merge applies the cache record to a copy of the local state and reports
// whether the server corrected it. Rules are evaluated in order against the
// local values as computed this cycle:
//
//  1. session flag differs: adopt the server's flag
//  2. shift-start baseline differs: adopt it and recompute
//     shift = max(0, localProduction - newBaseline)
//  3. production differs: adopt the server's production
//  4. ACCUMULATOR only, server production 0 while local is positive: move the
//     pulse baseline to the last raw reading and zero production
//  5. target differs: adopt the server's target
//
// When any rule fires, session flag, production, shift, baseline and target
// all come from the record, except that a baseline change keeps its
// recomputed shift. Session, worker and shift-code metadata is always
// replaced from the record.
func Merge(mode types.Mode, local counter.State, rec types.CacheRecord) Decision {
	out := local
	var fired []Rule

	if local.SessionActive != bool(rec.SessionActive) {
		fired = append(fired, RuleSession)
	}

	baselineMoved := rec.ShiftStart != local.ShiftStart
	if baselineMoved {
		fired = append(fired, RuleShiftStart)
	}

	if rec.Production != local.Production {
		fired = append(fired, RuleProduction)
	}

	if mode == types.ModeAccumulator && rec.Production == 0 && local.Production > 0 {
		out.LastPulse = local.LastRaw
		fired = append(fired, RuleReset)
	}

	if rec.Target != local.Target {
		fired = append(fired, RuleTarget)
	}

	if len(fired) > 0 {
		out.Production = max(0, rec.Production)
		out.ShiftStart = rec.ShiftStart
		out.Target = rec.Target
		if baselineMoved {
			out.Shift = max(0, local.Production-rec.ShiftStart)
		} else {
			out.Shift = max(0, rec.Shift)
		}
	}

	out.AdoptSession(rec)
	out.AdoptOffset(rec.AccumOffset)

	return Decision{State: out, Fired: fired}
}
