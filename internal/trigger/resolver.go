package trigger

import (
	"context"
	"fmt"
	"time"

	"duewatch/pkg/logx"
)

// Resolver turns a due rule into the concrete list of records to contact
// this cycle.
type Resolver struct {
	store Store
	loc   *time.Location
	log   logx.Logger
}

func NewResolver(store Store, loc *time.Location, log logx.Logger) *Resolver {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{store: store, loc: loc, log: log}
}

// Resolve returns the records a rule should contact, in no particular
// order. A failed query is returned as an error; the coordinator treats
// that as zero recipients for the cycle.
func (r *Resolver) Resolve(ctx context.Context, rule Rule, today time.Time) ([]CandidateRecord, error) {
	records, err := r.store.ListPendingRecords(ctx, rule.TenantID, rule.Module)
	if err != nil {
		return nil, fmt.Errorf("list pending records for rule %s: %w", rule.ID, err)
	}

	filter := ParseFilter(rule.FilterCondition)
	if filter.Any && rule.FilterCondition != "" && len(filter.Categories) == 0 {
		// Either an intentionally empty filter body or an unparseable one;
		// both select everything.
		r.log.Warn("filter not restrictive; selecting all records",
			logx.String("rule", rule.ID),
			logx.String("filter", rule.FilterCondition),
		)
	}

	out := make([]CandidateRecord, 0, len(records))
	for _, rec := range records {
		if !filter.Matches(rec.Category) {
			continue
		}
		if rule.TriggerType.Relative() {
			off := SignedOffsetDays(DueDate(rec), today, r.loc)
			if !offsetMatches(rule.TriggerType, rule.DaysOffset, off) {
				continue
			}
		}
		// specific_datetime rules take every matching-category record:
		// the trigger is time-based, not record-based.
		out = append(out, rec)
	}
	return out, nil
}
