package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"playcast/broadcaster/encoder"
	"playcast/broadcaster/manifest"
	"playcast/broadcaster/stream"
	"playcast/logsink"
	"playcast/metrics"
	"playcast/registry"
)

const (
	DefaultScratchRoot = "/var/tmp/streams"
	mutexExtendEvery   = registry.MutexDuration / 3
)

// Resolver turns a stream config into the ordered items to play.
type Resolver interface {
	Resolve(ctx context.Context, cfg *stream.Config, dir string) ([]stream.Item, error)
}

type Config struct {
	// ScratchRoot holds one working directory per stream.
	ScratchRoot string
	Resolver    Resolver
	Manifests   *manifest.Builder
	Registry    registry.Registry
	Sink        logsink.Sink
	Metrics     *metrics.Metrics
	// Encoder is the template for every supervisor. Endpoint and Loop are
	// taken from the stream config.
	Encoder encoder.Options
	Clock   quartz.Clock
}

type Broadcaster struct {
	sugar  *zap.SugaredLogger
	config *Config

	mu     sync.Mutex
	agents map[stream.Id]*Agent
}

func New(sugar *zap.SugaredLogger, cfg *Config) *Broadcaster {
	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = DefaultScratchRoot
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Encoder.Clock == nil {
		cfg.Encoder.Clock = cfg.Clock
	}
	if cfg.Manifests == nil {
		cfg.Manifests = manifest.New(sugar, manifest.DefaultLoopMultiplier)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	return &Broadcaster{
		sugar:  sugar,
		config: cfg,
		agents: make(map[stream.Id]*Agent),
	}
}

// Agents returns a snapshot of the streams handled by this process.
func (b *Broadcaster) Agents() map[stream.Id]*Agent {
	b.mu.Lock()
	defer b.mu.Unlock()
	agents := make(map[stream.Id]*Agent, len(b.agents))
	for id, a := range b.agents {
		agents[id] = a
	}
	return agents
}

func (b *Broadcaster) agent(id stream.Id) *Agent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.agents[id]
}

// Start resolves the sources of cfg, writes the first manifest and spawns the
// encoder. It returns once the stream is Starting; any failure on the way has
// been cleaned up when the error is returned. Cancelling ctx aborts the start.
func (b *Broadcaster) Start(ctx context.Context, cfg stream.Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		b.config.Metrics.IncStreamFailures(failureReason(err))
		return nil, err
	}

	dir, err := b.scratchDir(cfg.Id)
	if err != nil {
		b.config.Metrics.IncStreamFailures(failureReason(err))
		return nil, err
	}

	mutex := b.config.Registry.StreamMutex(cfg.Id)
	if err := mutex.Lock(); err != nil {
		return nil, fmt.Errorf("%w: stream %s is being started elsewhere: %v", stream.ErrAlreadyRunning, cfg.Id, err)
	}
	stopExtending := b.keepMutex(cfg.Id, mutex)
	defer func() {
		stopExtending()
		if _, err := mutex.Unlock(); err != nil {
			b.sugar.Warnw("Failed to release stream mutex", "streamId", cfg.Id, "error", err)
		}
	}()

	if err := b.claim(ctx, cfg.Id); err != nil {
		return nil, err
	}

	a := newAgent(b, cfg, dir)
	b.mu.Lock()
	if _, ok := b.agents[cfg.Id]; ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: stream %s", stream.ErrAlreadyRunning, cfg.Id)
	}
	b.agents[cfg.Id] = a
	b.mu.Unlock()

	if err := a.start(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// claim fails when a live record says the stream runs somewhere, and
// acknowledges a terminal leftover so the new run starts clean.
func (b *Broadcaster) claim(ctx context.Context, id stream.Id) error {
	if b.agent(id) != nil {
		return fmt.Errorf("%w: stream %s", stream.ErrAlreadyRunning, id)
	}
	rec, ok, err := b.config.Registry.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("read stream record: %w", err)
	}
	if !ok {
		return nil
	}
	if !rec.Phase.Terminal() {
		return fmt.Errorf("%w: stream %s is %v with pid %d", stream.ErrAlreadyRunning, id, rec.Phase, rec.Pid)
	}
	return b.config.Registry.Remove(ctx, id)
}

// keepMutex extends the stream mutex until the returned func is called.
func (b *Broadcaster) keepMutex(id stream.Id, mutex stream.Mutex) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := b.config.Clock.NewTicker(mutexExtendEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if _, err := mutex.Extend(); err != nil {
					b.sugar.Warnw("Failed to extend stream mutex", "streamId", id, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (b *Broadcaster) forget(a *Agent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.agents[a.id] == a {
		delete(b.agents, a.id)
	}
}

// Stop stops the stream if it runs here, waits for its cleanup and removes a
// terminal record, which acknowledges a Failed stream. Stopping an unknown or
// already stopped stream is not an error. When ctx ends first the cleanup
// still completes in the background.
func (b *Broadcaster) Stop(ctx context.Context, id stream.Id) error {
	if a := b.agent(id); a != nil {
		if err := a.Stop(ctx); err != nil {
			return err
		}
	}

	rec, ok, err := b.config.Registry.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("read stream record: %w", err)
	}
	if !ok {
		return nil
	}
	if !rec.Phase.Terminal() {
		b.sugar.Warnw("Stream record belongs to no local agent", "streamId", id, "phase", rec.Phase, "pid", rec.Pid)
		return nil
	}
	return b.config.Registry.Remove(ctx, id)
}

// Status reads the published record of a stream.
func (b *Broadcaster) Status(ctx context.Context, id stream.Id) (stream.Record, bool, error) {
	return b.config.Registry.Get(ctx, id)
}

// Close stops every stream of this process.
func (b *Broadcaster) Close(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for id := range b.Agents() {
		wg.Add(1)
		go func(id stream.Id) {
			defer wg.Done()
			if err := b.Stop(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("stop %s: %w", id, err))
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// scratchDir is the directory owned by one stream. It is always a direct child
// of the scratch root.
func (b *Broadcaster) scratchDir(id stream.Id) (string, error) {
	if err := id.Validate(); err != nil {
		return "", err
	}
	root := filepath.Clean(b.config.ScratchRoot)
	dir := filepath.Join(root, string(id))
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." || rel == ".." || filepath.Dir(rel) != "." {
		return "", fmt.Errorf("%w: stream id %q escapes the scratch root", stream.ErrSourceUnavailable, string(id))
	}
	return dir, nil
}

// removeDir deletes a scratch directory, logging instead of failing.
func (b *Broadcaster) removeDir(id stream.Id, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		b.sugar.Warnw("Failed to remove scratch directory", "streamId", id, "dir", dir, "error", err)
	}
}

func (b *Broadcaster) now() time.Time {
	return b.config.Clock.Now()
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, stream.ErrSourceUnavailable):
		return "source_unavailable"
	case errors.Is(err, stream.ErrResolutionFailed):
		return "resolution_failed"
	case errors.Is(err, stream.ErrManifestWriteFailed):
		return "manifest_write_failed"
	case errors.Is(err, stream.ErrSpawnFailed):
		return "spawn_failed"
	case errors.Is(err, stream.ErrEncoderCrashed):
		return "encoder_crashed"
	default:
		return "other"
	}
}
