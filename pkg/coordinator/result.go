package coordinator

import (
	"sort"
	"time"

	"github.com/Sternrassler/gh-harvest/pkg/checkpoint"
	"github.com/Sternrassler/gh-harvest/pkg/model"
)

// aggregate is the deduplicated project collection of a run. The first
// record merged for a key wins.
type aggregate struct {
	keys     map[model.ProjectKey]struct{}
	projects []model.ProjectRecord
}

func newAggregate(seed []model.ProjectRecord) *aggregate {
	a := &aggregate{keys: make(map[model.ProjectKey]struct{}, len(seed))}
	a.merge(seed)
	return a
}

// merge adds records whose key is not present yet and returns how many
// were added.
func (a *aggregate) merge(records []model.ProjectRecord) int {
	added := 0
	for _, p := range records {
		k := p.Key()
		if _, ok := a.keys[k]; ok {
			continue
		}
		a.keys[k] = struct{}{}
		a.projects = append(a.projects, p)
		added++
	}
	return added
}

func (a *aggregate) len() int {
	return len(a.projects)
}

func (a *aggregate) snapshot() []model.ProjectRecord {
	out := make([]model.ProjectRecord, len(a.projects))
	copy(out, a.projects)
	return out
}

// FailedBatch is a batch that exhausted its retries.
type FailedBatch struct {
	ID       string   `json:"id"`
	Reason   string   `json:"reason"`
	Attempts int      `json:"attempts"`
	Logins   []string `json:"logins"`
}

// Summary reports the totals of a run.
type Summary struct {
	checkpoint.Counters

	BatchesTotal     int `json:"batches_total"`
	BatchesSucceeded int `json:"batches_succeeded"`
	BatchesFailed    int `json:"batches_failed"`
	BatchesPending   int `json:"batches_pending"`

	AccountsProcessed int                  `json:"accounts_processed"`
	Failures          []checkpoint.Failure `json:"failures,omitempty"`
	FailedBatches     []FailedBatch        `json:"failed_batches,omitempty"`

	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// Result is the output of a run.
type Result struct {
	RunID    string                `json:"run_id"`
	Projects []model.ProjectRecord `json:"projects"`
	Summary  Summary               `json:"summary"`
}

// TotalStars sums the stars of every project.
func (r *Result) TotalStars() int {
	total := 0
	for _, p := range r.Projects {
		total += p.Stars
	}
	return total
}

// SortProjects orders projects by stars descending, then by key.
func SortProjects(projects []model.ProjectRecord) {
	sort.SliceStable(projects, func(i, j int) bool {
		if projects[i].Stars != projects[j].Stars {
			return projects[i].Stars > projects[j].Stars
		}
		if projects[i].Owner != projects[j].Owner {
			return projects[i].Owner < projects[j].Owner
		}
		return projects[i].Name < projects[j].Name
	})
}

// ResultFromCheckpoint builds the result a run had when cp was written.
func ResultFromCheckpoint(cp *checkpoint.Checkpoint, finishedAt time.Time) *Result {
	projects := newAggregate(cp.PartialAggregate).snapshot()
	SortProjects(projects)

	s := Summary{
		Counters:          cp.Counters,
		BatchesTotal:      len(cp.Batches),
		BatchesSucceeded:  len(cp.CompletedBatchIDs),
		BatchesFailed:     len(cp.FailedBatches),
		AccountsProcessed: cp.AccountsProcessed,
		Failures:          cp.Failures,
		StartedAt:         cp.StartedAt,
		FinishedAt:        finishedAt,
	}
	s.BatchesPending = s.BatchesTotal - s.BatchesSucceeded - s.BatchesFailed
	if !cp.StartedAt.IsZero() && finishedAt.After(cp.StartedAt) {
		s.Duration = finishedAt.Sub(cp.StartedAt)
	}

	byID := make(map[string]model.Batch, len(cp.Batches))
	for _, b := range cp.Batches {
		byID[b.ID] = b
	}
	for _, id := range cp.FailedIDs() {
		b := byID[id]
		s.FailedBatches = append(s.FailedBatches, FailedBatch{
			ID:       id,
			Reason:   cp.FailedBatches[id],
			Attempts: b.AttemptCount + 1,
			Logins:   b.Logins,
		})
	}

	return &Result{RunID: cp.RunID, Projects: projects, Summary: s}
}
