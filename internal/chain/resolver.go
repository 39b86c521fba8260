// Package chain assigns chain positions to payment periods.
//
// Periods sharing a chain key form a singly linked version history: every
// period sent to the execution system gets a PeriodID, and points at the
// chain's previous tail through PreviousPeriodID. Resolve is pure; callers load
// the previous state from the ledger and persist the result.
package chain

import (
	"errors"
	"fmt"
	"sort"

	"disburse/internal/domain"
)

var ErrNothingToTerminate = errors.New("chain has no submitted period to terminate")

type Input struct {
	New          []domain.Period
	Terminations []domain.Termination
	// Previous is the full period list of the instruction being superseded.
	Previous []domain.Period
	// LastPerChain survives instructions that emitted nothing for a chain.
	LastPerChain map[domain.ChainKey]domain.Period
}

type Result struct {
	Periods      []domain.Period
	Operations   []domain.Operation
	LastPerChain map[domain.ChainKey]domain.Period
}

func Resolve(in Input) (Result, error) {
	newByChain := groupByChain(in.New)
	prevByChain := groupByChain(in.Previous)

	terms := make(map[domain.ChainKey]domain.Termination, len(in.Terminations))
	for _, t := range in.Terminations {
		if existing, ok := terms[t.Chain()]; ok && !t.From.Before(existing.From) {
			continue
		}
		terms[t.Chain()] = t
	}

	keySet := make(map[domain.ChainKey]struct{}, len(newByChain)+len(terms))
	for k := range newByChain {
		keySet[k] = struct{}{}
	}
	for k := range terms {
		keySet[k] = struct{}{}
	}
	keys := make([]domain.ChainKey, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	res := Result{
		Periods:      make([]domain.Period, 0, len(in.New)),
		LastPerChain: make(map[domain.ChainKey]domain.Period, len(in.LastPerChain)+len(keys)),
	}
	for k, p := range in.LastPerChain {
		res.LastPerChain[k] = p
	}

	for _, key := range keys {
		var last *domain.Period
		if p, ok := in.LastPerChain[key]; ok {
			last = &p
		}
		var term *domain.Termination
		if t, ok := terms[key]; ok {
			term = &t
		}

		periods, ops, err := resolveChain(key, newByChain[key], prevByChain[key], last, term)
		if err != nil {
			return Result{}, err
		}
		res.Periods = append(res.Periods, periods...)
		res.Operations = append(res.Operations, ops...)

		if len(periods) == 0 {
			continue
		}
		computed := periods[0]
		for _, p := range periods[1:] {
			computed = Latest(computed, p)
		}
		if existing, ok := res.LastPerChain[key]; ok {
			computed = Latest(computed, existing)
		}
		res.LastPerChain[key] = computed
	}
	return res, nil
}

func resolveChain(
	key domain.ChainKey,
	fresh, prev []domain.Period,
	last *domain.Period,
	term *domain.Termination,
) ([]domain.Period, []domain.Operation, error) {
	tail, hasTail := chainTail(prev, last)

	var ops []domain.Operation
	if term != nil {
		if !hasTail {
			return nil, nil, fmt.Errorf("%w: %s", ErrNothingToTerminate, key)
		}
		closing := tail
		from := term.From
		closing.TerminationDate = &from
		ops = append(ops, domain.Operation{Kind: domain.OpTerminated, Chain: key, Period: closing})
	}

	next := 0
	var previousID *int
	if hasTail {
		next = *tail.PeriodID + 1
		previousID = intPtr(*tail.PeriodID)
	}

	// Once one period of the chain is sent, every later one is sent after it
	// so the linked history keeps running forward in time.
	resend := false
	used := make([]bool, len(prev))
	out := make([]domain.Period, 0, len(fresh))
	for _, p := range fresh {
		p.TerminationDate = nil
		if i := unchanged(prev, used, p, term); i >= 0 && !resend {
			used[i] = true
			p.PeriodID = intPtr(*prev[i].PeriodID)
			if prev[i].PreviousPeriodID != nil {
				p.PreviousPeriodID = intPtr(*prev[i].PreviousPeriodID)
			}
			out = append(out, p)
			continue
		}

		resend = true
		kind := domain.OpNew
		if amends(prev, p) {
			kind = domain.OpAmended
		}
		p.PeriodID = intPtr(next)
		p.PreviousPeriodID = previousID
		previousID = intPtr(next)
		next++

		out = append(out, p)
		ops = append(ops, domain.Operation{Kind: kind, Chain: key, Period: p})
	}
	return out, ops, nil
}

// unchanged finds a previously submitted period with identical terms that is
// still in force. Periods reaching into a terminated range are cancelled by
// the termination and must be sent again.
func unchanged(prev []domain.Period, used []bool, p domain.Period, term *domain.Termination) int {
	for i, q := range prev {
		if used[i] || q.PeriodID == nil || !q.SameTerms(p) {
			continue
		}
		if term != nil && !q.To.Before(term.From) {
			continue
		}
		return i
	}
	return -1
}

func amends(prev []domain.Period, p domain.Period) bool {
	for _, q := range prev {
		if q.From.Equal(p.From) {
			return true
		}
	}
	return false
}

func chainTail(prev []domain.Period, last *domain.Period) (domain.Period, bool) {
	var tail domain.Period
	found := false
	if last != nil && last.PeriodID != nil {
		tail, found = *last, true
	}
	for _, p := range prev {
		if p.PeriodID == nil {
			continue
		}
		if !found {
			tail, found = p, true
			continue
		}
		tail = Latest(tail, p)
	}
	return tail, found
}

// Latest picks the period that ends a chain: the larger PeriodID wins, and on
// equal PeriodID the later validity end. a wins a full tie.
func Latest(a, b domain.Period) domain.Period {
	ai, bi := periodID(a), periodID(b)
	switch {
	case ai > bi:
		return a
	case bi > ai:
		return b
	case b.To.After(a.To):
		return b
	default:
		return a
	}
}

func periodID(p domain.Period) int {
	if p.PeriodID == nil {
		return -1
	}
	return *p.PeriodID
}

func groupByChain(periods []domain.Period) map[domain.ChainKey][]domain.Period {
	out := make(map[domain.ChainKey][]domain.Period)
	for _, p := range periods {
		out[p.Chain()] = append(out[p.Chain()], p)
	}
	for _, ps := range out {
		sort.SliceStable(ps, func(i, j int) bool {
			if !ps[i].From.Equal(ps[j].From) {
				return ps[i].From.Before(ps[j].From)
			}
			return ps[i].To.Before(ps[j].To)
		})
	}
	return out
}

func intPtr(v int) *int { return &v }
