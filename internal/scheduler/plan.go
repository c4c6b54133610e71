package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/migratectl/internal/artifact"
)

var (
	ErrCycle             = errors.New("scheduler: dependency cycle")
	ErrBackwardReference = errors.New("scheduler: dependency on a later tier")
)

// Wave is a set of records that may run concurrently.
type Wave []artifact.Record

// Stage is one tier of the plan.
type Stage struct {
	Tier  artifact.Tier
	Waves []Wave
}

// Plan is the ordered pending work of a run.
type Plan struct {
	Stages []Stage

	// Dangling lists dependencies on keys the store does not know; they are
	// ignored for ordering and gating.
	Dangling map[artifact.Key][]artifact.Key
}

// Build orders the pending records. Completed records are left out but still
// satisfy dependencies.
func Build(records []artifact.Record) (Plan, error) {
	known := make(map[artifact.Key]artifact.Record, len(records))
	for _, rec := range records {
		known[rec.Key] = rec
	}

	byTier := map[artifact.Tier][]artifact.Record{}
	plan := Plan{Dangling: map[artifact.Key][]artifact.Key{}}
	for _, rec := range records {
		for _, dep := range rec.DependsOn {
			d, ok := known[dep]
			if !ok {
				plan.Dangling[rec.Key] = append(plan.Dangling[rec.Key], dep)
				continue
			}
			if d.Kind.Tier() > rec.Kind.Tier() {
				return Plan{}, fmt.Errorf("%w: %s depends on %s", ErrBackwardReference, rec.Key, dep)
			}
		}
		if rec.Done() {
			continue
		}
		byTier[rec.Kind.Tier()] = append(byTier[rec.Kind.Tier()], rec)
	}

	for _, tier := range []artifact.Tier{artifact.TierFiles, artifact.TierRuntime, artifact.TierWorkload} {
		pending := byTier[tier]
		if len(pending) == 0 {
			continue
		}
		waves, err := layer(pending)
		if err != nil {
			return Plan{}, err
		}
		plan.Stages = append(plan.Stages, Stage{Tier: tier, Waves: waves})
	}
	return plan, nil
}

// layer splits one tier into waves with Kahn's algorithm. Only dependencies
// on pending records of the same tier constrain the order.
func layer(pending []artifact.Record) ([]Wave, error) {
	artifact.SortRecords(pending)
	inTier := make(map[artifact.Key]int, len(pending))
	for i, rec := range pending {
		inTier[rec.Key] = i
	}

	indegree := make([]int, len(pending))
	children := make([][]int, len(pending))
	for i, rec := range pending {
		for _, dep := range rec.DependsOn {
			j, ok := inTier[dep]
			if !ok {
				continue
			}
			indegree[i]++
			children[j] = append(children[j], i)
		}
	}

	var ready []int
	for i := range pending {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	var waves []Wave
	placed := 0
	for len(ready) > 0 {
		sort.Ints(ready)
		wave := make(Wave, 0, len(ready))
		var next []int
		for _, i := range ready {
			wave = append(wave, pending[i])
			placed++
			for _, c := range children[i] {
				indegree[c]--
				if indegree[c] == 0 {
					next = append(next, c)
				}
			}
		}
		waves = append(waves, wave)
		ready = next
	}

	if placed != len(pending) {
		var stuck []string
		for i, rec := range pending {
			if indegree[i] > 0 {
				stuck = append(stuck, string(rec.Key))
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(stuck, ", "))
	}
	return waves, nil
}

// Order flattens the plan into its total order.
func (p Plan) Order() []artifact.Key {
	var out []artifact.Key
	for _, stage := range p.Stages {
		for _, wave := range stage.Waves {
			for _, rec := range wave {
				out = append(out, rec.Key)
			}
		}
	}
	return out
}

// Len returns the number of scheduled records.
func (p Plan) Len() int {
	n := 0
	for _, stage := range p.Stages {
		for _, wave := range stage.Waves {
			n += len(wave)
		}
	}
	return n
}

// Blocked returns the prerequisites of rec that have not completed. Unknown
// keys are ignored.
func Blocked(rec artifact.Record, status func(artifact.Key) (artifact.Status, bool)) []artifact.Key {
	var out []artifact.Key
	for _, dep := range rec.DependsOn {
		st, ok := status(dep)
		if !ok {
			continue
		}
		if st != artifact.StatusCompleted {
			out = append(out, dep)
		}
	}
	return out
}
