package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"playcast/broadcaster/stream"
)

const (
	DefaultWorkers    = 3
	DefaultAttempts   = 2
	DefaultRetryDelay = 3 * time.Second
	DefaultTimeout    = 5 * time.Minute
	SubDir            = "downloads"
)

type Entry struct {
	Id    string
	Title string
}

// Downloader copies one playlist entry to dest.
type Downloader interface {
	Download(ctx context.Context, entry Entry, dest string) error
}

type Options struct {
	Workers    int
	Attempts   int
	RetryDelay time.Duration
	Timeout    time.Duration
	// RatePerSecond paces how often a new fetch may begin. Zero disables pacing.
	RatePerSecond float64
	Clock         quartz.Clock
}

type Coordinator struct {
	sugar      *zap.SugaredLogger
	downloader Downloader
	opts       Options
	limiter    *rate.Limiter
	onResult   func(ok bool)
}

func New(sugar *zap.SugaredLogger, downloader Downloader, opts Options) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}
	return &Coordinator{
		sugar:      sugar,
		downloader: downloader,
		opts:       opts,
		limiter:    limiter,
	}
}

// OnResult registers a callback invoked once per entry with the final outcome.
func (c *Coordinator) OnResult(f func(ok bool)) {
	c.onResult = f
}

// FetchAll downloads entries into dir/downloads and returns the local path of
// every entry that succeeded, keyed by entry id. Entries that exhaust their
// attempts are missing from the result. Once ctx is cancelled no new fetch
// starts, but fetches already running are left to finish or time out.
func (c *Coordinator) FetchAll(ctx context.Context, dir string, entries []Entry) map[string]string {
	target := filepath.Join(dir, SubDir)
	if err := os.MkdirAll(target, 0o755); err != nil {
		c.sugar.Errorw("Failed to create download directory", "dir", target, "error", err)
		return map[string]string{}
	}

	var mu sync.Mutex
	paths := make(map[string]string, len(entries))

	var g errgroup.Group
	g.SetLimit(c.opts.Workers)
	for i, entry := range entries {
		dest := filepath.Join(target, fileName(i, entry.Id))
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := c.limiter.Wait(ctx); err != nil {
				return nil
			}
			err := c.fetch(ctx, entry, dest)
			if c.onResult != nil {
				c.onResult(err == nil)
			}
			if err != nil {
				c.sugar.Warnw("Dropping playlist entry", "entryId", entry.Id, "title", entry.Title, "error", err)
				return nil
			}
			mu.Lock()
			paths[entry.Id] = dest
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return paths
}

func (c *Coordinator) fetch(ctx context.Context, entry Entry, dest string) error {
	var lastErr error
	for attempt := 1; attempt <= c.opts.Attempts; attempt++ {
		if attempt > 1 {
			if !c.sleep(ctx, c.opts.RetryDelay) {
				break
			}
			c.sugar.Debugw("Retrying download", "entryId", entry.Id, "attempt", attempt)
		}
		lastErr = c.attempt(ctx, entry, dest)
		if lastErr == nil {
			return nil
		}
		c.sugar.Debugw("Download attempt failed", "entryId", entry.Id, "attempt", attempt, "error", lastErr)
		Remove(c.sugar, dest)
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return fmt.Errorf("%w: %s: %w", stream.ErrFetchFailed, entry.Id, lastErr)
}

func (c *Coordinator) attempt(ctx context.Context, entry Entry, dest string) error {
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.Timeout)
	defer cancel()
	if err := c.downloader.Download(attemptCtx, entry, dest); err != nil {
		return err
	}
	info, err := os.Stat(dest)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return errors.New("downloaded file is empty")
	}
	return nil
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := c.opts.Clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

func fileName(index int, id string) string {
	return fmt.Sprintf("%03d_%s.mp4", index, unsafeChars.ReplaceAllString(id, "_"))
}

// Remove deletes a managed file. Failures are logged and never returned, since
// removal runs on error paths as well.
func Remove(sugar *zap.SugaredLogger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		sugar.Warnw("Failed to remove file", "path", path, "error", err)
	}
}
