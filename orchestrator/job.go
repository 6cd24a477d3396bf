package orchestrator

import (
	"context"
	"sync"
	"time"

	iface "WeaponDetClient/interface"
)

// Job is the handle of one submitted request. It resolves exactly once, even when the
// orchestrator has moved on to a newer selection and ignores the outcome.
type Job struct {
	ID         string
	Generation uint64
	Kind       iface.MediaKind
	Started    time.Time

	once   sync.Once
	done   chan struct{}
	result *iface.DetectionResult
	err    error
}

func newJob(id string, generation uint64, kind iface.MediaKind) *Job {
	return &Job{
		ID:         id,
		Generation: generation,
		Kind:       kind,
		Started:    time.Now(),
		done:       make(chan struct{}),
	}
}

func (j *Job) resolve(result *iface.DetectionResult, err error) {
	j.once.Do(func() {
		j.result = result
		j.err = err
		close(j.done)
	})
}

func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job resolves or ctx ends.
func (j *Job) Wait(ctx context.Context) (*iface.DetectionResult, error) {
	select {
	case <-j.done:
		return j.result, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolved reports whether the job has finished.
func (j *Job) Resolved() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}
