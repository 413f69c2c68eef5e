package harvest

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/ensembl-genetree/internal/app/processing"
	"github.com/ahrav/ensembl-genetree/internal/domain/dataset"
)

// SpeciesStatus is how a species ended within a run.
type SpeciesStatus string

const (
	SpeciesCompleted   SpeciesStatus = "completed"
	SpeciesInterrupted SpeciesStatus = "interrupted"
	SpeciesUnresolved  SpeciesStatus = "unresolved"
	SpeciesSkipped     SpeciesStatus = "skipped"
	SpeciesFailed      SpeciesStatus = "failed"
	SpeciesPending     SpeciesStatus = "pending"
)

// SpeciesResult is the record kept for one species of a run.
type SpeciesResult struct {
	Resolution dataset.Resolution
	Status     SpeciesStatus
	Dir        string
	Outcome    processing.Outcome
	// Reason explains a skipped or failed species.
	Reason string
}

// RunContext carries the state of one harvest invocation. It replaces
// process-wide counters: everything a run accumulates lives here.
type RunContext struct {
	ID        uuid.UUID
	StartedAt time.Time
	AuditPath string
	Results   []SpeciesResult

	interrupted bool
}

// NewRunContext starts a run at now.
func NewRunContext(now time.Time) *RunContext {
	return &RunContext{ID: uuid.New(), StartedAt: now}
}

// Interrupted reports whether the run was cut short by cancellation.
func (rc *RunContext) Interrupted() bool { return rc.interrupted }

// Count returns how many species ended with status.
func (rc *RunContext) Count(status SpeciesStatus) int {
	n := 0
	for _, r := range rc.Results {
		if r.Status == status {
			n++
		}
	}
	return n
}

// Totals sums the per-gene outcomes over all species.
func (rc *RunContext) Totals() processing.Outcome {
	var t processing.Outcome
	for _, r := range rc.Results {
		t.Total += r.Outcome.Total
		t.Dispatched += r.Outcome.Dispatched
		t.Skipped += r.Outcome.Skipped
		t.Trees += r.Outcome.Trees
		t.NoTrees += r.Outcome.NoTrees
		t.Failed += r.Outcome.Failed
	}
	return t
}

// WriteSummary prints a human readable report of the run.
func (rc *RunContext) WriteSummary(w io.Writer, now time.Time) error {
	totals := rc.Totals()

	var b strings.Builder
	fmt.Fprintf(&b, "Run %s finished in %s\n", rc.ID, now.Sub(rc.StartedAt).Round(time.Second))
	if rc.interrupted {
		b.WriteString("Run was interrupted; rerun to resume from the saved checkpoints.\n")
	}
	if rc.AuditPath != "" {
		fmt.Fprintf(&b, "Resolution audit: %s\n", rc.AuditPath)
	}
	fmt.Fprintf(&b, "Species: %d total, %d completed, %d unresolved, %d skipped, %d failed\n",
		len(rc.Results),
		rc.Count(SpeciesCompleted),
		rc.Count(SpeciesUnresolved),
		rc.Count(SpeciesSkipped),
		rc.Count(SpeciesFailed),
	)
	fmt.Fprintf(&b, "Genes: %d processed (%d trees, %d without tree, %d errors), %d already done\n",
		totals.Processed(), totals.Trees, totals.NoTrees, totals.Failed, totals.Skipped)

	for _, r := range rc.Results {
		line := fmt.Sprintf("  %-35s %-11s", r.Resolution.Species, r.Status)
		if r.Resolution.Found {
			line += fmt.Sprintf(" %s/%s", r.Resolution.Deployment.Key, r.Resolution.DatasetLabel())
		}
		if r.Reason != "" {
			line += " (" + r.Reason + ")"
		}
		b.WriteString(line + "\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}
