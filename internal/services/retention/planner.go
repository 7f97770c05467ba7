// Package retention decides which local archives survive a pruning pass and removes the rest.
package retention

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fgeck/gopickup/internal/models"
)

// Window sizes in days for the rollover buckets.
const (
	daysPerWeek  = 7
	daysPerMonth = 30
	daysPerYear  = 365
)

var (
	// ErrInvalidPolicy is returned for retention strings not shaped like "y1,m6,w4,d7".
	ErrInvalidPolicy = errors.New("retention policy is not in the format y<N>,m<N>,w<N>,d<N>")
	// ErrNoPolicy is returned when neither the schedule nor the defaults define a policy.
	ErrNoPolicy = errors.New("no retention policy is defined")
)

// policyTags is the required tag order of a policy string.
var policyTags = [4]byte{'y', 'm', 'w', 'd'}

// ParsePolicy parses a retention string of exactly four comma separated tokens
// tagged y, m, w and d in that order.
func ParsePolicy(s string) (models.RetentionPolicy, error) {
	if strings.TrimSpace(s) == "" {
		return models.RetentionPolicy{}, ErrNoPolicy
	}

	parts := strings.Split(s, ",")
	if len(parts) != len(policyTags) {
		return models.RetentionPolicy{}, fmt.Errorf("%w: got %d tokens in %q", ErrInvalidPolicy, len(parts), s)
	}

	var values [4]int
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" || part[0] != policyTags[i] {
			return models.RetentionPolicy{}, fmt.Errorf("%w: token %d of %q must start with %q", ErrInvalidPolicy, i+1, s, policyTags[i])
		}
		n, err := strconv.Atoi(part[1:])
		if err != nil || n < 0 {
			return models.RetentionPolicy{}, fmt.Errorf("%w: token %q is not a non-negative count", ErrInvalidPolicy, part)
		}
		values[i] = n
	}

	return models.RetentionPolicy{
		Years:  values[0],
		Months: values[1],
		Weeks:  values[2],
		Days:   values[3],
	}, nil
}

// FormatPolicy renders a policy back into its string form.
func FormatPolicy(p models.RetentionPolicy) string {
	return fmt.Sprintf("y%d,m%d,w%d,d%d", p.Years, p.Months, p.Weeks, p.Days)
}

// Decision partitions a set of archives into the ones to keep and the ones to delete.
type Decision struct {
	Keep     []int64 // in the order they were first selected
	KeptAges []int   // age in days of each entry in Keep
	Delete   []int64 // in input order
}

// bucket tracks one rollover granularity (weekly, monthly, yearly).
type bucket struct {
	window int
	budget int
	kept   int
	// boundaryFound is set once the archive just inside the first rollover has been kept.
	boundaryFound bool
}

// planner is the accumulator folded over the archive list.
type planner struct {
	keep      []int64
	keptAges  []int
	kept      map[int64]bool
	countedAt map[int]bool
	keptDays  int
}

func (p *planner) add(a models.ArchiveDescriptor) {
	p.countedAt[a.AgeDays] = true
	if p.kept[a.RunID] {
		return
	}
	p.kept[a.RunID] = true
	p.keep = append(p.keep, a.RunID)
	p.keptAges = append(p.keptAges, a.AgeDays)
}

// Plan walks archives ordered newest to oldest and selects the ones to keep.
//
// The first policy.Days distinct ages are kept. For each of the weekly, monthly
// and yearly buckets, the first archive whose age has crossed into the next
// window multiple is kept until the bucket's budget is used up. Each bucket
// with a budget also keeps the archive immediately before the first one that
// is at least one window old, or the oldest archive when no archive reaches
// that age. Everything else is deleted.
func Plan(archives []models.ArchiveDescriptor, policy models.RetentionPolicy) Decision {
	p := &planner{
		kept:      make(map[int64]bool, len(archives)),
		countedAt: make(map[int]bool, len(archives)),
	}
	buckets := []*bucket{
		{window: daysPerWeek, budget: policy.Weeks},
		{window: daysPerMonth, budget: policy.Months},
		{window: daysPerYear, budget: policy.Years},
	}

	last := len(archives) - 1
	for i, a := range archives {
		if p.keptDays < policy.Days && !p.countedAt[a.AgeDays] {
			p.add(a)
			p.keptDays++
		}

		for _, b := range buckets {
			if b.kept < b.budget && b.kept < a.AgeDays/b.window {
				p.add(a)
				b.kept++
			}
		}

		if i > 0 {
			for _, b := range buckets {
				if b.budget > 0 && !b.boundaryFound && a.AgeDays >= b.window {
					p.add(archives[i-1])
					b.boundaryFound = true
				}
			}
		}

		if i == last {
			for _, b := range buckets {
				if b.budget > 0 && !b.boundaryFound {
					p.add(a)
					b.boundaryFound = true
				}
			}
		}
	}

	d := Decision{Keep: p.keep, KeptAges: p.keptAges}
	for _, a := range archives {
		if !p.kept[a.RunID] {
			d.Delete = append(d.Delete, a.RunID)
		}
	}
	return d
}
