package tiered

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// WarmerConfig holds warmer configuration
type WarmerConfig struct {
	// MaxConcurrency is the maximum number of parallel loads
	MaxConcurrency int
	// Timeout per load
	Timeout time.Duration
	// SkipExisting leaves keys alone that are already cached
	SkipExisting bool
}

// DefaultWarmerConfig returns the default warmer configuration
func DefaultWarmerConfig() WarmerConfig {
	return WarmerConfig{
		MaxConcurrency: 8,
		Timeout:        10 * time.Second,
	}
}

// WarmTask describes one key to preload.
type WarmTask struct {
	Key  string
	Load func(ctx context.Context) ([]byte, error)
	// Options apply to the Set of the loaded value.
	Options []Option
}

// WarmResult summarizes a warm run.
type WarmResult struct {
	Loaded   int
	Skipped  int
	Failed   int
	Bytes    int64
	Duration time.Duration
}

// Warmer preloads keys into a Facade in parallel.
type Warmer struct {
	f      *Facade
	config WarmerConfig
}

// NewWarmer creates a warmer
func NewWarmer(f *Facade, config WarmerConfig) *Warmer {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 8
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &Warmer{f: f, config: config}
}

// Warm runs every task with bounded concurrency. Failed loads are counted
// and logged but do not stop the run; only cancellation of ctx or an
// invalid key returns an error.
func (w *Warmer) Warm(ctx context.Context, tasks []WarmTask) (WarmResult, error) {
	start := time.Now()
	var loaded, skipped, failed, size atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.config.MaxConcurrency)

	for _, task := range tasks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			if w.config.SkipExisting {
				if _, err := w.f.Get(gctx, task.Key, task.Options...); err == nil {
					skipped.Add(1)
					WarmedKeys.WithLabelValues("skipped").Inc()
					return nil
				}
			}

			lctx, cancel := context.WithTimeout(gctx, w.config.Timeout)
			data, err := task.Load(lctx)
			cancel()
			if err != nil {
				failed.Add(1)
				WarmedKeys.WithLabelValues("failed").Inc()
				w.f.logger.Warn().Err(err).Str("key", task.Key).Msg("Warm load failed")
				return nil
			}

			if err := w.f.Set(gctx, task.Key, data, task.Options...); err != nil {
				return err
			}
			loaded.Add(1)
			size.Add(int64(len(data)))
			WarmedKeys.WithLabelValues("loaded").Inc()
			return nil
		})
	}

	err := g.Wait()
	res := WarmResult{
		Loaded:   int(loaded.Load()),
		Skipped:  int(skipped.Load()),
		Failed:   int(failed.Load()),
		Bytes:    size.Load(),
		Duration: time.Since(start),
	}

	w.f.logger.Info().
		Int("loaded", res.Loaded).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Str("size", humanize.Bytes(uint64(res.Bytes))).
		Dur("duration", res.Duration).
		Msg("Cache warm complete")

	return res, err
}
