// Package query implements the batch scheduler that coalesces the read
// queries raised by a table's entities into grouped calls to the table's
// batched read function.
//
// Queries submitted within one scheduling window are flushed together, in
// FIFO order, up to the batch maximum. After each batched call the scheduler
// keeps draining until the queue is empty; queries beyond the maximum become
// backlog for the next call instead of waiting for another window. Every query
// resolves or rejects exactly once.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mesh-intelligence/tablesync/internal/metrics"
	"github.com/mesh-intelligence/tablesync/pkg/types"
)

// Pending is the result slot of a submitted query.
type Pending struct {
	query types.Query
	done  chan struct{}
	once  sync.Once
	resp  types.Response
	err   error
}

// ID returns the query id.
func (p *Pending) ID() string { return p.query.ID }

// Query returns the submitted query with its assigned id.
func (p *Pending) Query() types.Query { return p.query }

// Done is closed when the query resolves or rejects.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the query settles or ctx is done. Abandoning a wait does
// not withdraw the query from its batch.
func (p *Pending) Wait(ctx context.Context) (types.Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return types.Response{}, ctx.Err()
	}
}

func (p *Pending) settle(resp types.Response, err error) bool {
	settled := false
	p.once.Do(func() {
		p.resp, p.err = resp, err
		close(p.done)
		settled = true
	})
	return settled
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMax sets the maximum number of queries carried by one batched call.
func WithMax(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.max = n
		}
	}
}

// WithWindow sets the scheduling window during which submitted queries are
// coalesced before the first flush.
func WithWindow(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithRateLimit bounds the number of batched calls per second. Zero or less
// leaves calls unlimited.
func WithRateLimit(perSecond float64) Option {
	return func(s *Scheduler) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records scheduler activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler batches queries for one table.
type Scheduler struct {
	table   string
	read    types.ReadFunc
	max     int
	window  time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	queue     []*Pending
	inflight  map[string]*Pending
	scheduled bool
	timer     *time.Timer
	closed    bool
	draining  sync.WaitGroup
}

// New creates a scheduler that flushes the queries of table through read.
func New(table string, read types.ReadFunc, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		table:    table,
		read:     read,
		max:      types.DefaultQueryBatchMax,
		window:   types.DefaultQueryWindow,
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]*Pending),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = s.logger.With("table", table, "component", "scheduler")
	return s
}

// Submit enqueues q and returns its result slot. An empty q.ID is replaced by
// a fresh UUID. A flush is scheduled at most once per window.
func (s *Scheduler) Submit(q types.Query) (*Pending, error) {
	const op = "Scheduler.Submit"
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generating query id: %w", err)
		}
		q.ID = id.String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, types.MisuseError(types.ErrSchedulerClosed, op, "")
	}
	if _, ok := s.inflight[q.ID]; ok {
		return nil, types.MisuseError(types.ErrDuplicateQuery, op, "query %s", q.ID)
	}

	p := &Pending{query: q, done: make(chan struct{})}
	s.inflight[q.ID] = p
	s.queue = append(s.queue, p)
	s.metrics.Query(s.table, string(q.Kind))

	if !s.scheduled {
		s.scheduled = true
		s.draining.Add(1)
		s.timer = time.AfterFunc(s.window, s.drain)
	}
	return p, nil
}

// Exec submits q and waits for its response.
func (s *Scheduler) Exec(ctx context.Context, q types.Query) (types.Response, error) {
	p, err := s.Submit(q)
	if err != nil {
		return types.Response{}, err
	}
	return p.Wait(ctx)
}

// Len returns the number of queries waiting for a flush.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close rejects every queued query with ErrSchedulerClosed and cancels the
// batched call in progress, if any. It waits for the drain loop to exit.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	queued := s.queue
	s.queue = nil
	stopped := s.timer != nil && s.timer.Stop()
	s.mu.Unlock()

	if stopped {
		s.mu.Lock()
		s.scheduled = false
		s.mu.Unlock()
		s.draining.Done()
	}
	s.cancel()

	err := types.MisuseError(types.ErrSchedulerClosed, "Scheduler.Close", "")
	for _, p := range queued {
		s.finish(p, types.Response{}, err)
	}
	s.draining.Wait()
	return nil
}

// drain flushes batches until the queue is empty.
func (s *Scheduler) drain() {
	defer s.draining.Done()
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.closed {
			s.scheduled = false
			s.mu.Unlock()
			return
		}
		n := min(len(s.queue), s.max)
		batch := make([]*Pending, n)
		copy(batch, s.queue[:n])
		s.queue = s.queue[n:]
		s.mu.Unlock()

		s.flush(batch)
	}
}

func (s *Scheduler) flush(batch []*Pending) {
	const op = "Scheduler.flush"
	queries := make([]types.Query, len(batch))
	for i, p := range batch {
		queries[i] = p.query
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(s.ctx); err != nil {
			s.fail(batch, types.TransportError(err, op, "waiting for rate limit"))
			return
		}
	}

	s.metrics.Batch(s.table, len(batch))
	responses, err := s.read(s.ctx, s.table, queries)
	if err != nil {
		if _, classified := errorClass(err); !classified {
			err = types.TransportError(err, op, "batched read of %d queries", len(batch))
		}
		s.fail(batch, err)
		return
	}
	if len(responses) > len(batch) {
		s.fail(batch, types.ConsistencyError(types.ErrBatchShape, op,
			"%d responses for %d queries", len(responses), len(batch)))
		return
	}

	byID := make(map[string]types.Response, len(responses))
	for _, r := range responses {
		if _, dup := byID[r.Request]; dup {
			s.fail(batch, types.ConsistencyError(types.ErrBatchShape, op, "duplicate response for %s", r.Request))
			return
		}
		byID[r.Request] = r
	}

	for _, p := range batch {
		r, ok := byID[p.query.ID]
		if !ok {
			s.metrics.Rejected(s.table, "missing")
			s.finish(p, types.Response{}, types.ConsistencyError(types.ErrResponseMissing, op, "query %s", p.query.ID))
			continue
		}
		delete(byID, p.query.ID)
		if err := p.query.CheckResponse(r); err != nil {
			s.metrics.Rejected(s.table, "malformed")
			s.logger.Warn("malformed response", "query", p.query.ID, "kind", p.query.Kind, "error", err)
			s.finish(p, types.Response{}, err)
			continue
		}
		s.finish(p, r, nil)
	}
	for id := range byID {
		s.logger.Warn("response for unknown query ignored", "request", id)
	}
}

func (s *Scheduler) fail(batch []*Pending, err error) {
	s.metrics.BatchFailed(s.table)
	s.logger.Error("batched read failed", "queries", len(batch), "error", err)
	for _, p := range batch {
		s.finish(p, types.Response{}, err)
	}
}

func (s *Scheduler) finish(p *Pending, resp types.Response, err error) {
	s.mu.Lock()
	delete(s.inflight, p.query.ID)
	s.mu.Unlock()
	p.settle(resp, err)
}

func errorClass(err error) (types.ErrorClass, bool) {
	var ce *types.ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}
