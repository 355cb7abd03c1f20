// Package dispatcher runs a fixed pool of job runners and coordinates their
// shutdown.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/selextract/scrape-engine/internal/runner"
)

// Dispatcher owns the runner pool for one worker process.
type Dispatcher struct {
	runners []*runner.Runner
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(runners []*runner.Runner, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{runners: runners, logger: logger}
}

// Run starts every runner and blocks until all of them have returned. The
// runners exit when ctx finishes, so Run also serves as the drain barrier
// during shutdown.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i, r := range d.runners {
		wg.Add(1)
		go func(id int, rn *runner.Runner) {
			defer wg.Done()
			d.logger.Debug("runner started", zap.Int("runner", id))
			rn.Run(ctx)
			d.logger.Debug("runner stopped", zap.Int("runner", id))
		}(i, r)
	}
	wg.Wait()
}
