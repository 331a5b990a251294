package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/mimir-rag/mimir/internal/config"
	mimirerrors "github.com/mimir-rag/mimir/internal/errors"
)

const defaultWindow = 60 * time.Second

// Scheduler admits provider calls in FIFO order under three limits:
// concurrent requests, requests per window and tokens per window. Both
// reservoirs refill to full capacity when the window elapses. Token
// reservations are capped at the reservoir capacity so an oversized
// estimate can still be admitted.
type Scheduler struct {
	name        string
	concurrency int
	rpmCap      int
	tpmCap      int
	window      time.Duration
	retry       mimirerrors.RetryConfig
	logger      *slog.Logger

	requests chan *admitRequest
	slotFree chan struct{}
	done     chan struct{}
}

type admitRequest struct {
	ctx      context.Context
	tokens   int
	admitted chan error
}

// SchedulerOptions tune a scheduler beyond the provider limits.
type SchedulerOptions struct {
	// Window overrides the refill window. Defaults to one minute.
	Window time.Duration
	Retry  *mimirerrors.RetryConfig
	Logger *slog.Logger
}

func NewScheduler(name string, limits config.ProviderLimits, opts SchedulerOptions) *Scheduler {
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	retry := mimirerrors.DefaultRetryConfig()
	retry.MaxRetries = limits.Retries
	if opts.Retry != nil {
		retry = *opts.Retry
	}

	s := &Scheduler{
		name:        name,
		concurrency: max(limits.Concurrency, 1),
		rpmCap:      max(limits.MaxRequestsPerMinute, 1),
		tpmCap:      max(limits.MaxTokensPerMinute, 1),
		window:      opts.Window,
		retry:       retry,
		logger:      opts.Logger,
		requests:    make(chan *admitRequest, 4096),
		slotFree:    make(chan struct{}, max(limits.Concurrency, 1)),
		done:        make(chan struct{}),
	}
	go s.run()
	return s
}

// Close stops the dispatcher. Pending acquisitions fail.
func (s *Scheduler) Close() {
	close(s.done)
}

// run is the single dispatcher goroutine. Requests are admitted strictly
// in arrival order; a request at the head of the queue blocks everything
// behind it until resources free up.
func (s *Scheduler) run() {
	rpmLeft := s.rpmCap
	tpmLeft := s.tpmCap
	windowEnd := time.Now().Add(s.window)
	active := 0

	refill := func() {
		if now := time.Now(); !now.Before(windowEnd) {
			rpmLeft = s.rpmCap
			tpmLeft = s.tpmCap
			windowEnd = now.Add(s.window)
		}
	}

	for {
		select {
		case <-s.done:
			return
		case <-s.slotFree:
			active--
		case req := <-s.requests:
			reserve := min(req.tokens, s.tpmCap)
			if reserve < 0 {
				reserve = 0
			}
			for {
				refill()
				if active < s.concurrency && rpmLeft > 0 && tpmLeft >= reserve {
					rpmLeft--
					tpmLeft -= reserve
					active++
					req.admitted <- nil
					break
				}
				s.logger.Debug("scheduler waiting",
					"provider", s.name,
					"active", active,
					"rpm_left", rpmLeft,
					"tpm_left", tpmLeft,
					"reserve", reserve)
				timer := time.NewTimer(time.Until(windowEnd))
				select {
				case <-s.done:
					timer.Stop()
					return
				case <-req.ctx.Done():
					timer.Stop()
					req.admitted <- mimirerrors.Canceled(req.ctx.Err())
				case <-s.slotFree:
					active--
					timer.Stop()
					continue
				case <-timer.C:
					continue
				}
				break
			}
		}
	}
}

// acquire blocks until the request is admitted. The returned release must
// be called when the provider call finishes.
func (s *Scheduler) acquire(ctx context.Context, tokens int) (func(), error) {
	req := &admitRequest{ctx: ctx, tokens: tokens, admitted: make(chan error, 1)}
	select {
	case s.requests <- req:
	case <-s.done:
		return nil, mimirerrors.Newf(mimirerrors.ErrCodeInvariant, "scheduler %s closed", s.name)
	case <-ctx.Done():
		return nil, mimirerrors.Canceled(ctx.Err())
	}

	select {
	case err := <-req.admitted:
		if err != nil {
			return nil, err
		}
		return s.release, nil
	case <-ctx.Done():
		// The dispatcher may still admit this request; hand the slot
		// back if it does.
		go func() {
			if err := <-req.admitted; err == nil {
				s.release()
			}
		}()
		return nil, mimirerrors.Canceled(ctx.Err())
	}
}

func (s *Scheduler) release() {
	select {
	case s.slotFree <- struct{}{}:
	case <-s.done:
	}
}

// Do runs fn through the scheduler with retries. Each attempt reserves the
// request and token budget anew; non-retryable provider errors and
// cancellation stop immediately.
func Do[T any](ctx context.Context, s *Scheduler, tokens int, fn func(context.Context) (T, error)) (T, error) {
	return mimirerrors.RetryWithResult(ctx, s.retry, func() (T, error) {
		var zero T
		release, err := s.acquire(ctx, tokens)
		if err != nil {
			return zero, err
		}
		defer release()
		return fn(ctx)
	})
}
