package pipeline

import (
	"sort"
	"sync"

	"github.com/timmy/papercast/internal/domain"
)

// JobIndex is the process-local cache of job records. It is never the
// source of truth: every entry can be rebuilt from the artifact store.
type JobIndex struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
}

// NewJobIndex creates an empty index.
func NewJobIndex() *JobIndex {
	return &JobIndex{jobs: make(map[string]*domain.Job)}
}

// Get returns a copy of the cached job.
func (x *JobIndex) Get(id string) (*domain.Job, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	j, ok := x.jobs[id]
	return j.Clone(), ok
}

// Put replaces the cached job.
func (x *JobIndex) Put(j *domain.Job) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.jobs[j.ID] = j.Clone()
}

// Update applies fn to the cached job, creating it when missing, and
// returns a copy of the result.
func (x *JobIndex) Update(id string, fn func(j *domain.Job)) *domain.Job {
	x.mu.Lock()
	defer x.mu.Unlock()
	j, ok := x.jobs[id]
	if !ok {
		j = &domain.Job{ID: id, Status: domain.JobStatusProcessing}
		x.jobs[id] = j
	}
	fn(j)
	return j.Clone()
}

// IDs returns the cached job ids, sorted.
func (x *JobIndex) IDs() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ids := make([]string, 0, len(x.jobs))
	for id := range x.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
