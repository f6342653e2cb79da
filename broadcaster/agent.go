package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"playcast/broadcaster/download"
	"playcast/broadcaster/encoder"
	"playcast/broadcaster/stream"
	"playcast/logsink"
)

// Agent runs one stream: it owns the scratch directory and the manifests in
// it, and hands the encoder process to a Supervisor.
type Agent struct {
	sugar       *zap.SugaredLogger
	broadcaster *Broadcaster
	id          stream.Id
	cfg         stream.Config
	dir         string
	reporter    *logsink.Reporter

	ctx       context.Context
	ctxCancel context.CancelFunc

	mu           sync.Mutex
	supervisor   *encoder.Supervisor
	items        []stream.Item
	manifestPath string

	cleanupOnce sync.Once
	done        chan struct{}
}

func newAgent(b *Broadcaster, cfg stream.Config, dir string) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		sugar:       b.sugar,
		broadcaster: b,
		id:          cfg.Id,
		cfg:         cfg,
		dir:         dir,
		reporter:    logsink.NewReporter(b.sugar, b.config.Sink, cfg.Id, b.now),
		ctx:         ctx,
		ctxCancel:   cancel,
		done:        make(chan struct{}),
	}
}

func (a *Agent) Id() stream.Id {
	return a.id
}

func (a *Agent) Config() stream.Config {
	return a.cfg
}

// Done is closed after the stream ended and its resources were released.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Record is the latest record published by the supervisor.
func (a *Agent) Record() (stream.Record, bool) {
	a.mu.Lock()
	sup := a.supervisor
	a.mu.Unlock()
	if sup == nil {
		return stream.Record{}, false
	}
	return sup.Record(), true
}

// Err is why the stream failed, nil while it runs or after a clean stop.
func (a *Agent) Err() error {
	a.mu.Lock()
	sup := a.supervisor
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

func (a *Agent) start(ctx context.Context) error {
	b := a.broadcaster
	stopFollowing := context.AfterFunc(ctx, a.ctxCancel)
	defer stopFollowing()

	a.sugar.Debugw("Starting stream", "streamId", a.id, "source", a.cfg.Source, "endpoint", encoder.RedactEndpoint(a.cfg.Endpoint))

	err := a.launch()
	if err != nil {
		if a.ctx.Err() != nil && !errors.Is(err, stream.ErrStopped) {
			err = fmt.Errorf("%w: %v", stream.ErrStopped, err)
		}
		a.sugar.Debugw("Stream start failed", "streamId", a.id, "error", err)
		if !errors.Is(err, stream.ErrStopped) {
			b.config.Metrics.IncStreamFailures(failureReason(err))
			a.reporter.Error(context.Background(), fmt.Sprintf("Failed to start stream: %v", err))
		}
		a.cleanup(false)
		return err
	}

	b.config.Metrics.IncActiveStreams()
	a.reporter.Info(context.Background(), "Stream started")
	go a.watch()
	return nil
}

func (a *Agent) launch() error {
	b := a.broadcaster
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("%w: create scratch directory: %v", stream.ErrManifestWriteFailed, err)
	}

	items, err := b.config.Resolver.Resolve(a.ctx, &a.cfg, a.dir)
	if err != nil {
		return err
	}
	// downloads that finished after a stop are discarded with the directory
	if a.ctx.Err() != nil {
		return fmt.Errorf("%w: stream %s stopped during resolution", stream.ErrStopped, a.id)
	}

	launch, err := a.buildManifest(items)
	if err != nil {
		return err
	}

	opts := b.config.Encoder
	opts.Endpoint = a.cfg.Endpoint
	opts.Loop = a.cfg.Loop
	sup := encoder.New(a.sugar, a.id, b.config.Registry, a.reporter, b.config.Metrics, a.rebuild, opts)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx.Err() != nil {
		return fmt.Errorf("%w: stream %s stopped before spawn", stream.ErrStopped, a.id)
	}
	a.items = items
	pid, err := sup.Start(launch)
	if err != nil {
		return err
	}
	a.supervisor = sup
	a.sugar.Debugw("Stream starting", "streamId", a.id, "pid", pid, "items", len(items))
	return nil
}

// buildManifest writes a fresh manifest for items and removes the one it
// supersedes.
func (a *Agent) buildManifest(items []stream.Item) (encoder.Launch, error) {
	b := a.broadcaster
	path, err := b.config.Manifests.Build(a.dir, items, a.cfg.Loop)
	if err != nil {
		return encoder.Launch{}, err
	}
	b.config.Metrics.IncManifestsBuilt()

	a.mu.Lock()
	previous := a.manifestPath
	a.manifestPath = path
	a.mu.Unlock()
	if previous != "" {
		download.Remove(a.sugar, previous)
	}

	remote := false
	for _, item := range items {
		remote = remote || item.Remote
	}
	return encoder.Launch{ManifestPath: path, Remote: remote}, nil
}

// rebuild runs before every restart. Direct URLs expire, so those streams are
// resolved again; local and downloaded files are reused.
func (a *Agent) rebuild(ctx context.Context) (encoder.Launch, error) {
	a.mu.Lock()
	items := a.items
	a.mu.Unlock()

	if a.cfg.Source == stream.SourcePlaylistDirect {
		fresh, err := a.broadcaster.config.Resolver.Resolve(ctx, &a.cfg, a.dir)
		if err != nil {
			return encoder.Launch{}, err
		}
		items = fresh
		a.mu.Lock()
		a.items = fresh
		a.mu.Unlock()
	}
	return a.buildManifest(items)
}

func (a *Agent) watch() {
	<-a.supervisor.Done()

	err := a.supervisor.Err()
	b := a.broadcaster
	b.config.Metrics.DecActiveStreams()
	if err != nil {
		a.sugar.Debugw("Stream failed", "streamId", a.id, "error", err)
		b.config.Metrics.IncStreamFailures(failureReason(err))
		a.reporter.Error(context.Background(), fmt.Sprintf("Stream failed: %v", err))
	} else {
		a.sugar.Debugw("Stream stopped", "streamId", a.id)
		a.reporter.Info(context.Background(), "Stream stopped")
	}
	a.cleanup(err != nil)
}

// cleanup releases everything the stream holds. A failed stream keeps its
// record so callers can read the error until they acknowledge it.
func (a *Agent) cleanup(failed bool) {
	a.cleanupOnce.Do(func() {
		b := a.broadcaster
		a.ctxCancel()
		b.removeDir(a.id, a.dir)
		if !failed {
			if err := b.config.Registry.Remove(context.Background(), a.id); err != nil {
				a.sugar.Warnw("Failed to remove stream record", "streamId", a.id, "error", err)
			}
		}
		b.forget(a)
		close(a.done)
		a.sugar.Debugw("Agent closed", "streamId", a.id, "failed", failed)
	})
}

// Stop cancels work in flight, stops the encoder and waits for cleanup. If
// ctx ends first Stop returns its error and cleanup completes on its own.
func (a *Agent) Stop(ctx context.Context) error {
	a.ctxCancel()

	a.mu.Lock()
	sup := a.supervisor
	a.mu.Unlock()
	if sup != nil {
		stopped := make(chan struct{})
		go func() {
			sup.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
