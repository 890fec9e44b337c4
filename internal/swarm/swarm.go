// Package swarm runs a batch of acquisition requests through the
// orchestrator under a bounded concurrency limit, collecting
// index-aligned results.
package swarm

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/titan-scrape/titan/internal/titan"
	"golang.org/x/sync/errgroup"
)

// Runner is satisfied by the orchestrator: one URL in, one Result out.
type Runner interface {
	Run(ctx context.Context, req *titan.Request) *titan.Result
}

// Config bounds a swarm run.
type Config struct {
	Concurrency int // max simultaneous in-flight requests
}

func DefaultConfig() Config {
	return Config{Concurrency: 8}
}

// Progress is reported after each item completes.
type Progress struct {
	Completed int
	Total     int
	LastURL   string
}

// Engine fans a batch of requests out to a Runner under a bounded
// semaphore, the same discipline the reference browser pool uses to cap
// concurrent browser launches: an errgroup.SetLimit bound, with panics
// from any one worker isolated so they can't take down the batch.
type Engine struct {
	runner Runner
	cfg    Config
	log    zerolog.Logger
}

func NewEngine(runner Runner, cfg Config, log zerolog.Logger) *Engine {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Engine{runner: runner, cfg: cfg, log: log.With().Str("component", "swarm").Logger()}
}

// Concurrency returns the configured fan-out limit, for callers that want
// to report it (e.g. the health dashboard) without reaching into Config.
func (e *Engine) Concurrency() int {
	return e.cfg.Concurrency
}

// Run executes every request in reqs, returning results in the same
// order as the input slice regardless of completion order. A nil
// onProgress is fine. Once ctx is cancelled, items already dispatched
// still finish and populate their slot, and later items get a
// titan.ErrKindCancelled result instead of being silently dropped. Run
// always waits for every item; workers never fail the group, so the
// returned error is nil.
func (e *Engine) Run(ctx context.Context, reqs []*titan.Request, onProgress func(Progress)) ([]*titan.Result, error) {
	results := make([]*titan.Result, len(reqs))
	var completed int
	var progressMu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.cfg.Concurrency)

	for i, req := range reqs {
		i, req := i, req
		eg.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					results[i] = &titan.Result{
						URL:     req.URL,
						Success: false,
						ErrKind: titan.ErrKindDriverCrash,
						Message: fmt.Sprintf("panic in swarm worker: %v", r),
					}
				}
				progressMu.Lock()
				completed++
				n := completed
				progressMu.Unlock()
				if onProgress != nil {
					onProgress(Progress{Completed: n, Total: len(reqs), LastURL: req.URL})
				}
			}()

			select {
			case <-egCtx.Done():
				results[i] = &titan.Result{URL: req.URL, Success: false, ErrKind: titan.ErrKindCancelled, Message: "swarm cancelled before dispatch"}
				return nil
			default:
			}

			results[i] = e.runner.Run(egCtx, req)
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
