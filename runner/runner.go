// Package runner executes independent diagnosis sessions on a bounded worker
// pool.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/sweetpotato0/meddx/config"
	"github.com/sweetpotato0/meddx/pkg/logging"
	"github.com/sweetpotato0/meddx/rag/diagnosis"
)

// Diagnoser runs one session. *diagnosis.Pipeline satisfies it.
type Diagnoser interface {
	RunSession(ctx context.Context, session diagnosis.Session) (*diagnosis.Response, error)
}

// DiagnoserFunc adapts a function to Diagnoser.
type DiagnoserFunc func(ctx context.Context, session diagnosis.Session) (*diagnosis.Response, error)

// RunSession implements Diagnoser.
func (f DiagnoserFunc) RunSession(ctx context.Context, session diagnosis.Session) (*diagnosis.Response, error) {
	return f(ctx, session)
}

// Task is one session to execute.
type Task struct {
	ID      string
	Session diagnosis.Session
}

// Result represents the result of a task execution
type Result struct {
	TaskID   string
	Response *diagnosis.Response
	Error    error
	Elapsed  time.Duration
}

// OK reports whether the session produced a final diagnosis.
func (r *Result) OK() bool {
	return r != nil && r.Error == nil && r.Response != nil && r.Response.Final != nil
}

// Summary counts outcomes over a batch.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Escalated int
}

// Summarize folds results into a Summary.
func Summarize(results []*Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if !r.OK() {
			s.Failed++
			continue
		}
		s.Succeeded++
		if r.Response.Outcome == diagnosis.StateEscalated {
			s.Escalated++
		}
	}
	return s
}

// ErrPanic marks a session that panicked.
var ErrPanic = errors.New("session panicked")

// Option configures a Runner.
type Option func(*Runner)

// WithWorkers sets the pool size.
func WithWorkers(n int) Option {
	return func(r *Runner) { r.workers = n }
}

// WithExpiry sets how long an idle worker is kept.
func WithExpiry(d time.Duration) Option {
	return func(r *Runner) { r.expiry = d }
}

// WithProgress registers a callback invoked after every finished task.
// Calls are serialized.
func WithProgress(fn func(done, total int, result *Result)) Option {
	return func(r *Runner) { r.progress = fn }
}

// Runner fans sessions out to a worker pool. Sessions share no state; a
// failing or panicking session never affects the others.
type Runner struct {
	diagnoser Diagnoser
	workers   int
	expiry    time.Duration
	progress  func(done, total int, result *Result)
	logger    *slog.Logger
}

// New creates a runner over d. The default pool size is 4.
func New(d Diagnoser, opts ...Option) (*Runner, error) {
	if d == nil {
		return nil, fmt.Errorf("runner requires a diagnoser")
	}
	r := &Runner{
		diagnoser: d,
		workers:   4,
		expiry:    10 * time.Second,
		logger:    logging.WithComponent("runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := config.ValidateRunnerConfig(r.workers); err != nil {
		return nil, err
	}
	return r, nil
}

// Run executes every task and returns one result per task, sorted by task
// id. Tasks not yet started when ctx is cancelled report ctx.Err().
func (r *Runner) Run(ctx context.Context, tasks []Task) ([]*Result, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	pool, err := ants.NewPool(r.workers,
		ants.WithExpiryDuration(r.expiry),
		ants.WithPanicHandler(func(p any) {
			r.logger.Error("worker panic escaped task recovery", "panic", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	results := make([]*Result, len(tasks))
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done int
	)
	finish := func(i int, res *Result) {
		results[i] = res
		mu.Lock()
		done++
		if r.progress != nil {
			r.progress(done, len(tasks), res)
		}
		mu.Unlock()
	}

	for i, task := range tasks {
		if err := ctx.Err(); err != nil {
			finish(i, &Result{TaskID: task.ID, Error: err})
			continue
		}
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			finish(i, r.runOne(ctx, task))
		})
		if submitErr != nil {
			wg.Done()
			finish(i, &Result{TaskID: task.ID, Error: fmt.Errorf("submit task %s: %w", task.ID, submitErr)})
		}
	}
	wg.Wait()

	SortResults(results)
	return results, nil
}

func (r *Runner) runOne(ctx context.Context, task Task) (res *Result) {
	start := time.Now()
	res = &Result{TaskID: task.ID}
	defer func() {
		if p := recover(); p != nil {
			res.Response = nil
			res.Error = fmt.Errorf("%w: task %s: %v", ErrPanic, task.ID, p)
			r.logger.Error("session panicked", "task", task.ID, "panic", p)
		}
		res.Elapsed = time.Since(start)
	}()

	if err := ctx.Err(); err != nil {
		res.Error = err
		return res
	}
	session := task.Session
	if session.ID == "" {
		session.ID = task.ID
	}
	res.Response, res.Error = r.diagnoser.RunSession(ctx, session)
	if res.Error != nil {
		r.logger.Warn("session failed", "task", task.ID, "error", res.Error)
	}
	return res
}

// SortResults orders results by task id. Ids that are both integers compare
// numerically so "2" sorts before "10".
func SortResults(results []*Result) {
	slices.SortStableFunc(results, func(a, b *Result) int {
		return CompareIDs(a.TaskID, b.TaskID)
	})
}

// CompareIDs compares two task ids, numerically when both parse as integers.
func CompareIDs(a, b string) int {
	ai, aerr := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
	bi, berr := strconv.ParseInt(strings.TrimSpace(b), 10, 64)
	switch {
	case aerr == nil && berr == nil:
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	case aerr == nil:
		return -1
	case berr == nil:
		return 1
	}
	return strings.Compare(a, b)
}
