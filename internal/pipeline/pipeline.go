package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"blaauwpipe/internal/logging"
	"blaauwpipe/internal/pending"
	"blaauwpipe/internal/storage"
)

// JobType enumerates supported run categories.
type JobType string

const (
	// JobNight runs the configured steps for a night.
	JobNight JobType = "night"
	// JobMasters only builds the masters of a night.
	JobMasters JobType = "masters"
	// JobPending runs one pass over the pending ledger.
	JobPending JobType = "pending"
)

// Job represents a single run request.
type Job struct {
	ID      string
	Type    JobType
	Night   time.Time
	Today   time.Time
	Options map[string]any
}

// NewJob returns a job with a fresh ID.
func NewJob(t JobType) Job {
	return Job{ID: string(t) + "-" + uuid.NewString(), Type: t}
}

// Result captures the outcome of a Job. Summary is set for night and masters
// jobs, Report for pending jobs.
type Result struct {
	Job     Job
	Error   error
	Summary *Summary
	Report  *pending.Report
	Meta    map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a new Pipeline with the given concurrency and processor implementation.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, processor Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logger,
		jobs:      make(chan Job, concurrency*2),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if job.ID == "" {
		job.ID = NewJob(job.Type).ID
	}
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		_ = p.store.RecordRunQueued(storage.RunRecord{
			ID:          job.ID,
			Kind:        string(job.Type),
			Night:       nightName(job),
			Status:      "queued",
			OptionsJSON: string(optsJSON),
		})
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		return errors.New("job queue is full")
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			start := time.Now()
			logging.LogJobStart(p.log, string(job.Type), job.ID, nightName(job), job.Options)

			if p.store != nil {
				_ = p.store.RecordRunStart(job.ID)
			}
			res := p.processor.Process(ctx, job)
			duration := time.Since(start)

			counts, runErrs, failures := outcome(res)
			logging.LogFailures(p.log, job.ID, Kind, failures)
			status := "completed"
			if res.Error != nil {
				status = "failed"
				logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
					"night":   nightName(job),
					"options": job.Options,
					"worker":  id,
				})
			} else {
				logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
			}
			if p.store != nil {
				_ = p.store.RecordRunResult(job.ID, status, counts, runErrs, errString(res.Error))
			}

			p.broadcast(res)
		}
	}
}

// outcome flattens a result into stored totals and failures.
func outcome(res Result) (storage.RunCounts, []storage.RunError, []error) {
	var (
		counts storage.RunCounts
		stored []storage.RunError
		errs   []error
	)
	if s := res.Summary; s != nil {
		counts = storage.RunCounts{Masters: s.Masters, Reduced: s.Reduced, Logged: s.Logged, ErrorCount: s.ErrorCount()}
		for _, f := range s.Failures {
			stored = append(stored, storage.RunError{Kind: f.Kind, Subject: f.Subject, Message: f.Err.Error()})
			errs = append(errs, f.Err)
		}
	}
	if r := res.Report; r != nil {
		counts = storage.RunCounts{Reduced: len(r.Resolved), Logged: len(r.Logged), ErrorCount: r.ErrorCount()}
		for _, err := range append(append([]error(nil), r.Corrupt...), r.Errors...) {
			stored = append(stored, storage.RunError{Kind: Kind(err), Message: err.Error()})
			errs = append(errs, err)
		}
	}
	return counts, stored, errs
}

func nightName(job Job) string {
	switch {
	case !job.Night.IsZero():
		return job.Night.Format("2006-01-02")
	case !job.Today.IsZero():
		return job.Today.Format("2006-01-02")
	}
	return ""
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
