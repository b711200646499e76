package monitoring

import (
	"sort"
	"sync"
	"time"

	"github.com/charlesng35/bucketcast/pkg/metrics"
)

// JobSummary is the run history of one background job.
type JobSummary struct {
	Job                 string        `json:"job"`
	LastStatus          string        `json:"last_status"`
	LastError           string        `json:"last_error,omitempty"`
	LastRunAt           time.Time     `json:"last_run_at"`
	LastSuccessAt       time.Time     `json:"last_success_at,omitempty"`
	LastDuration        time.Duration `json:"last_duration"`
	ConsecutiveFailures uint64        `json:"consecutive_failures"`
	TotalRuns           uint64        `json:"total_runs"`
}

// JobTracker records background job runs for the maintenance probe.
type JobTracker struct {
	mu   sync.Mutex
	jobs map[string]*JobSummary
	now  func() time.Time
}

func NewJobTracker() *JobTracker {
	return &JobTracker{jobs: make(map[string]*JobSummary), now: time.Now}
}

// Record stores the outcome of one run of job.
func (t *JobTracker) Record(job string, err error, duration time.Duration) {
	if t == nil {
		return
	}
	now := t.now()
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.MaintenanceRuns.WithLabelValues(job, status).Inc()

	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.jobs[job]
	if !ok {
		s = &JobSummary{Job: job}
		t.jobs[job] = s
	}
	s.LastStatus = status
	s.LastRunAt = now
	s.LastDuration = max(duration, 0)
	s.TotalRuns++
	if err != nil {
		s.LastError = err.Error()
		s.ConsecutiveFailures++
		return
	}
	s.LastError = ""
	s.ConsecutiveFailures = 0
	s.LastSuccessAt = now
}

// Jobs returns the summaries sorted by job name.
func (t *JobTracker) Jobs() []JobSummary {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]JobSummary, 0, len(t.jobs))
	for _, s := range t.jobs {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}
