package pending

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"blaauwpipe/internal/frame"
)

// Outcome is the result of re-reducing one entry.
type Outcome struct {
	Ages    frame.Ages
	Expires time.Time
}

// Reprocessor re-matches and re-reduces the light behind an entry, or
// rebuilds the master behind a dark or flat entry.
type Reprocessor interface {
	Reprocess(ctx context.Context, e Entry) (Outcome, error)
}

// State is the classification of an entry after a pass.
type State string

const (
	Resolved State = "resolved"
	Expired  State = "expired"
	Logged   State = "logged"
)

// Report summarises a pass.
type Report struct {
	Resolved []Entry
	Expired  []Entry
	Logged   []Entry
	// Kept counts rows appended by other writers during the pass.
	Kept int
	// Corrupt holds ErrLedgerCorruption errors for dropped rows.
	Corrupt []error
	// Errors holds re-reduction failures; the affected entries stay logged
	// unless they expired.
	Errors []error
}

// ErrorCount is the number of failures the pass surfaced.
func (r Report) ErrorCount() int { return len(r.Corrupt) + len(r.Errors) }

// Pass re-evaluates every ledger entry once.
type Pass struct {
	ledger *Ledger
	proc   Reprocessor
	log    *slog.Logger
}

// NewPass creates a Pass.
func NewPass(ledger *Ledger, proc Reprocessor, logger *slog.Logger) *Pass {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pass{ledger: ledger, proc: proc, log: logger}
}

// Classify applies the pending state machine to a re-evaluated entry.
func Classify(e Entry, today time.Time, reprocessed bool) State {
	switch {
	case reprocessed && e.Ages.Zero():
		return Resolved
	case e.Expired(today):
		return Expired
	default:
		return Logged
	}
}

// Run re-reduces every entry of a ledger snapshot, then rewrites the ledger
// with the entries still logged plus rows other writers appended or changed
// meanwhile. Rows removed by another pass stay removed. If the lock cannot be
// acquired the ledger is left as it was.
func (p *Pass) Run(ctx context.Context, today time.Time) (Report, error) {
	var rep Report
	snapshot, corrupt, err := p.ledger.Read()
	if err != nil {
		return rep, fmt.Errorf("read ledger: %w", err)
	}
	rep.Corrupt = append(rep.Corrupt, corrupt...)

	before := make(map[string]Entry, len(snapshot))
	after := make(map[string]Entry, len(snapshot))
	for _, e := range processingOrder(snapshot) {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		before[e.Frame] = e
		updated := e
		out, err := p.proc.Reprocess(ctx, e)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Errorf("%s: %w", e.Frame, err))
		} else {
			updated.Ages = out.Ages
			updated.Expires = frame.Date(out.Expires)
		}
		switch Classify(updated, today, err == nil) {
		case Resolved:
			rep.Resolved = append(rep.Resolved, updated)
		case Expired:
			rep.Expired = append(rep.Expired, updated)
		default:
			rep.Logged = append(rep.Logged, updated)
			after[e.Frame] = updated
		}
	}

	corrupt, err = p.ledger.Update(ctx, func(current []Entry) []Entry {
		rep.Kept = 0
		var out []Entry
		for _, cur := range current {
			old, known := before[cur.Frame]
			if !known || !cur.same(old) {
				out = append(out, cur)
				rep.Kept++
				continue
			}
			if e, ok := after[cur.Frame]; ok {
				out = append(out, e)
			}
		}
		return out
	})
	if err != nil {
		return rep, fmt.Errorf("rewrite ledger: %w", err)
	}
	rep.Corrupt = append(rep.Corrupt, newCorrupt(corrupt, rep.Corrupt)...)

	p.log.Info("pending pass complete",
		"resolved", len(rep.Resolved),
		"expired", len(rep.Expired),
		"logged", len(rep.Logged),
		"kept", rep.Kept,
		"errors", rep.ErrorCount())
	return rep, nil
}

// processingOrder returns the entries with master darks first, then master
// flats, then lights, so that rebuilt masters are visible to the entries
// processed after them. The relative order within a kind is kept.
func processingOrder(entries []Entry) []Entry {
	rank := func(e Entry) int {
		switch e.Type() {
		case frame.Dark:
			return 0
		case frame.Flat:
			return 1
		default:
			return 2
		}
	}
	out := append([]Entry(nil), entries...)
	sort.SliceStable(out, func(i, j int) bool { return rank(out[i]) < rank(out[j]) })
	return out
}

// newCorrupt drops rows already reported from the snapshot read.
func newCorrupt(found, reported []error) []error {
	seen := make(map[string]bool, len(reported))
	for _, e := range reported {
		seen[e.Error()] = true
	}
	var out []error
	for _, e := range found {
		if !seen[e.Error()] {
			out = append(out, e)
		}
	}
	return out
}
