package order

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"broker-core/pkg/exchanges/common"
)

// ErrExecutorClosed is returned by Submit after Close.
var ErrExecutorClosed = errors.New("async executor closed")

// AsyncExecutor runs intents on a bounded worker pool so strategy loops and
// stream callbacks never wait on broker I/O themselves.
type AsyncExecutor struct {
	executor   *Executor
	resultCh   chan ExecutionResult
	workerPool chan struct{}
	wg         sync.WaitGroup
	closed     bool
	mu         sync.Mutex
}

// ExecutionResult represents the outcome of one intent.
type ExecutionResult struct {
	IntentID  string               `json:"intent_id"`
	OrderID   string               `json:"order_id"`
	Success   bool                 `json:"success"`
	Response  common.OrderResponse `json:"-"`
	ErrorMsg  string               `json:"error,omitempty"`
	Latency   time.Duration        `json:"latency_ms"`
	Timestamp time.Time            `json:"timestamp"`
}

// NewAsyncExecutor creates an async executor with the given worker count
// and result buffer.
func NewAsyncExecutor(executor *Executor, workers, resultBuffer int) *AsyncExecutor {
	if workers <= 0 {
		workers = 4
	}
	if resultBuffer <= 0 {
		resultBuffer = 100
	}
	return &AsyncExecutor{
		executor:   executor,
		resultCh:   make(chan ExecutionResult, resultBuffer),
		workerPool: make(chan struct{}, workers),
	}
}

// Submit queues an intent and returns its id. It waits for a free worker
// slot, bounded by ctx.
func (a *AsyncExecutor) Submit(ctx context.Context, in Intent) (string, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return "", ErrExecutorClosed
	}
	a.wg.Add(1)
	a.mu.Unlock()

	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}

	select {
	case a.workerPool <- struct{}{}:
	case <-ctx.Done():
		a.wg.Done()
		return "", ctx.Err()
	}

	go func() {
		defer a.wg.Done()
		defer func() { <-a.workerPool }()

		start := time.Now()
		resp := a.executor.Handle(ctx, in)
		result := ExecutionResult{
			IntentID:  in.ID,
			OrderID:   resp.OrderID,
			Success:   resp.OK(),
			Response:  resp,
			Latency:   time.Since(start),
			Timestamp: time.Now(),
		}
		if !resp.OK() {
			result.ErrorMsg = resp.Message
		}

		select {
		case a.resultCh <- result:
		default:
			a.executor.log.WithField("intent_id", in.ID).Warn("result channel full, dropping result")
		}
	}()
	return in.ID, nil
}

// Results returns the result channel. It is closed by Close.
func (a *AsyncExecutor) Results() <-chan ExecutionResult {
	return a.resultCh
}

// Pending returns the number of intents currently running.
func (a *AsyncExecutor) Pending() int {
	return len(a.workerPool)
}

// WaitAll waits for all submitted intents to complete.
func (a *AsyncExecutor) WaitAll() {
	a.wg.Wait()
}

// Close rejects new intents, drains running ones and closes Results.
func (a *AsyncExecutor) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	a.wg.Wait()
	close(a.resultCh)
}
