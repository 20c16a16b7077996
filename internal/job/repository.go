package job

import (
	"context"
	"sort"
	"sync"
)

// Repository stores conversion jobs.
type Repository interface {
	// Create stores a new job.
	Create(ctx context.Context, j *Job) error
	// Get returns a job by ID, or ErrJobNotFound.
	Get(ctx context.Context, id string) (*Job, error)
	// Update replaces a stored job.
	Update(ctx context.Context, j *Job) error
	// List returns all jobs, newest first.
	List(ctx context.Context) ([]*Job, error)
}

// MemoryRepository is an in-memory Repository implementation.
type MemoryRepository struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs: make(map[string]*Job),
	}
}

// Create stores a new job.
func (r *MemoryRepository) Create(_ context.Context, j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.ID] = j.Clone()
	return nil
}

// Get returns a copy of the stored job.
func (r *MemoryRepository) Get(_ context.Context, id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

// Update replaces a stored job.
func (r *MemoryRepository) Update(_ context.Context, j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[j.ID]; !ok {
		return ErrJobNotFound
	}
	r.jobs[j.ID] = j.Clone()
	return nil
}

// List returns copies of all jobs, newest first.
func (r *MemoryRepository) List(_ context.Context) ([]*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID > out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out, nil
}
