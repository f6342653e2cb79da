package encoder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"playcast/broadcaster/stream"
	"playcast/logsink"
	"playcast/metrics"
)

const (
	DefaultBin               = "ffmpeg"
	DefaultRestartCeiling    = 5
	DefaultRestartBackoff    = 5 * time.Second
	DefaultRestartBackoffMax = 60 * time.Second
	DefaultStableRunDuration = 30 * time.Second
	DefaultStopGrace         = 2 * time.Second
	DefaultLivenessGrace     = 10 * time.Second
	DefaultLogFlushInterval  = 5 * time.Second
	DefaultLogMaxLines       = 50

	publishTimeout = 5 * time.Second
)

var errStopRequested = errors.New("stop requested")

// RecordStore receives every phase transition of a stream.
type RecordStore interface {
	Set(ctx context.Context, id stream.Id, rec stream.Record) error
}

// Launch is everything one encoder invocation reads.
type Launch struct {
	ManifestPath string
	// Remote is set when the manifest references network URLs.
	Remote bool
}

// RebuildFunc prepares a fresh launch before every restart.
type RebuildFunc func(ctx context.Context) (Launch, error)

type Options struct {
	Bin          string
	Profile      Profile
	Endpoint     string
	Loop         bool
	CmderCreator CmderCreator
	Clock        quartz.Clock

	RestartCeiling    int
	RestartBackoff    time.Duration
	RestartBackoffMax time.Duration
	// StableRunDuration is how long a process must run before its exit no
	// longer counts towards the consecutive crash ceiling.
	StableRunDuration time.Duration
	StopGrace         time.Duration
	LivenessGrace     time.Duration
	LogFlushInterval  time.Duration
	LogMaxLines       int
}

func (o *Options) setDefaults() {
	if o.Bin == "" {
		o.Bin = DefaultBin
	}
	if o.Profile == (Profile{}) {
		o.Profile = DefaultProfile
	}
	if o.CmderCreator == nil {
		o.CmderCreator = NewRealCmder
	}
	if o.Clock == nil {
		o.Clock = quartz.NewReal()
	}
	if o.RestartCeiling <= 0 {
		o.RestartCeiling = DefaultRestartCeiling
	}
	if o.RestartBackoff <= 0 {
		o.RestartBackoff = DefaultRestartBackoff
	}
	if o.RestartBackoffMax <= 0 {
		o.RestartBackoffMax = DefaultRestartBackoffMax
	}
	if o.StableRunDuration <= 0 {
		o.StableRunDuration = DefaultStableRunDuration
	}
	if o.StopGrace <= 0 {
		o.StopGrace = DefaultStopGrace
	}
	if o.LivenessGrace <= 0 {
		o.LivenessGrace = DefaultLivenessGrace
	}
	if o.LogFlushInterval <= 0 {
		o.LogFlushInterval = DefaultLogFlushInterval
	}
	if o.LogMaxLines <= 0 {
		o.LogMaxLines = DefaultLogMaxLines
	}
}

type process struct {
	cmd       Cmder
	out       *output
	startedAt time.Time
	exited    chan struct{}
	err       error
}

// Supervisor owns the encoder process of one stream and is the only writer of
// its record.
type Supervisor struct {
	sugar    *zap.SugaredLogger
	id       stream.Id
	store    RecordStore
	reporter *logsink.Reporter
	metrics  *metrics.Metrics
	rebuild  RebuildFunc
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	rec           stream.Record
	cur           *process
	started       bool
	finished      bool
	stopRequested bool
	err           error

	stopOnce sync.Once
	done     chan struct{}
}

func New(sugar *zap.SugaredLogger, id stream.Id, store RecordStore, reporter *logsink.Reporter, m *metrics.Metrics, rebuild RebuildFunc, opts Options) *Supervisor {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		sugar:    sugar,
		id:       id,
		store:    store,
		reporter: reporter,
		metrics:  m,
		rebuild:  rebuild,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start spawns the first encoder process and returns its pid once the record
// reads Starting. Supervision continues in the background until Stop is called
// or the restart ceiling is reached.
func (s *Supervisor) Start(launch Launch) (int, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return 0, errors.New("supervisor already started")
	}
	s.started = true

	p, err := s.spawn(launch)
	if err != nil {
		s.err = err
		s.finished = true
		s.mu.Unlock()
		s.cancel()
		close(s.done)
		return 0, err
	}
	s.cur = p
	s.rec = stream.Record{Pid: p.cmd.Pid(), Phase: stream.PhaseStarting, StartedAt: p.startedAt}
	s.publish()
	s.mu.Unlock()

	go s.run(p)
	return p.cmd.Pid(), nil
}

// spawn starts one process. Callers hold s.mu.
func (s *Supervisor) spawn(launch Launch) (*process, error) {
	args := Args(s.opts.Profile, launch.ManifestPath, launch.Remote, s.opts.Endpoint)
	cmd := s.opts.CmderCreator(s.opts.Bin, args)
	out := newOutput(s.opts.LogMaxLines)
	cmd.SetStdout(out)
	cmd.SetStderr(out)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", stream.ErrSpawnFailed, err)
	}
	s.metrics.IncEncoderSpawns()
	s.sugar.Debugw("Encoder spawned", "streamId", s.id, "pid", cmd.Pid(), "args", RedactArgs(args))

	p := &process{cmd: cmd, out: out, startedAt: s.opts.Clock.Now(), exited: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

func (s *Supervisor) run(p *process) {
	defer close(s.done)
	defer s.cancel()

	crashes := 0
	for {
		exitErr := s.watch(p)

		if s.stopping() {
			s.finish(stream.PhaseStopped, nil)
			return
		}

		var cause error
		if exitErr == nil {
			if !s.opts.Loop {
				s.sugar.Debugw("Encoder finished playlist", "streamId", s.id)
				s.reporter.Info(context.Background(), "Playlist finished")
				s.finish(stream.PhaseStopped, nil)
				return
			}
			s.sugar.Debugw("Encoder exhausted loop, respawning", "streamId", s.id)
		} else {
			if s.opts.Clock.Since(p.startedAt) >= s.opts.StableRunDuration {
				crashes = 0
			}
			crashes++
			cause = crashError(exitErr, p.out.Tail())
			if endpointFault(p.out.Tail()) {
				cause = fmt.Errorf("output endpoint unreachable: %w", cause)
			}
		}

		for {
			if s.stopping() {
				s.finish(stream.PhaseStopped, nil)
				return
			}
			if cause != nil {
				if crashes >= s.opts.RestartCeiling {
					s.sugar.Warnw("Encoder reached restart ceiling", "streamId", s.id, "crashes", crashes, "error", cause)
					s.finish(stream.PhaseFailed, cause)
					return
				}
				delay := s.backoff(crashes)
				s.sugar.Debugw("Encoder exited unexpectedly, restarting", "streamId", s.id, "crashes", crashes, "delay", delay, "error", cause)
				s.reporter.Warn(context.Background(), fmt.Sprintf("Encoder exited unexpectedly, restarting in %v (attempt %d/%d): %v",
					delay, crashes, s.opts.RestartCeiling-1, cause))
				if !s.sleep(delay) {
					s.finish(stream.PhaseStopped, nil)
					return
				}
			}

			next, err := s.respawn(cause)
			if errors.Is(err, errStopRequested) {
				s.finish(stream.PhaseStopped, nil)
				return
			}
			if err == nil {
				p = next
				break
			}
			crashes++
			cause = err
		}
	}
}

// watch blocks until p exits, flushing output and confirming liveness on the
// way.
func (s *Supervisor) watch(p *process) error {
	clock := s.opts.Clock
	liveness := clock.NewTimer(s.opts.LivenessGrace)
	defer liveness.Stop()
	flush := clock.NewTicker(s.opts.LogFlushInterval)
	defer flush.Stop()

	alive := p.out.Alive()
	for {
		select {
		case <-p.exited:
			log := s.reporter.Info
			if p.err != nil && !s.stopping() {
				log = s.reporter.Warn
			}
			p.out.flush(context.Background(), log)
			s.mu.Lock()
			s.cur = nil
			s.mu.Unlock()
			return p.err
		case <-alive:
			alive = nil
			s.markRunning(p)
		case <-liveness.C:
			s.markRunning(p)
		case <-flush.C:
			p.out.flush(context.Background(), s.reporter.Info)
		}
	}
}

func (s *Supervisor) markRunning(p *process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != p || s.stopRequested || s.rec.Phase != stream.PhaseStarting {
		return
	}
	s.rec.Phase = stream.PhaseRunning
	s.publish()
	s.sugar.Debugw("Encoder running", "streamId", s.id, "pid", s.rec.Pid)
}

func (s *Supervisor) respawn(cause error) (*process, error) {
	var launch Launch
	if s.rebuild != nil {
		var err error
		launch, err = s.rebuild(s.ctx)
		if s.stopping() {
			return nil, errStopRequested
		}
		if err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopRequested {
		return nil, errStopRequested
	}
	p, err := s.spawn(launch)
	if err != nil {
		return nil, err
	}
	s.cur = p
	s.rec.Pid = p.cmd.Pid()
	s.rec.Phase = stream.PhaseStarting
	s.rec.StartedAt = p.startedAt
	if cause != nil {
		s.rec.Restarts++
		s.rec.LastError = cause.Error()
		s.metrics.IncEncoderRestarts()
	}
	s.publish()
	return p, nil
}

func (s *Supervisor) backoff(crashes int) time.Duration {
	d := s.opts.RestartBackoff * time.Duration(crashes)
	if d > s.opts.RestartBackoffMax {
		return s.opts.RestartBackoffMax
	}
	return d
}

// sleep waits d and reports false when a stop interrupted it.
func (s *Supervisor) sleep(d time.Duration) bool {
	t := s.opts.Clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Supervisor) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

func (s *Supervisor) finish(phase stream.Phase, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = nil
	s.err = err
	s.finished = true
	s.rec.Pid = 0
	s.rec.Phase = phase
	if err != nil {
		s.rec.LastError = err.Error()
	}
	s.publish()
	s.sugar.Debugw("Supervisor finished", "streamId", s.id, "phase", phase, "error", err)
}

// publish writes the current record. Callers hold s.mu so that transitions
// reach the store in order.
func (s *Supervisor) publish() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.store.Set(ctx, s.id, s.rec); err != nil {
		s.sugar.Warnw("Failed to publish stream record", "streamId", s.id, "phase", s.rec.Phase, "error", err)
	}
}

// Stop terminates the encoder and blocks until the supervisor reached a
// terminal phase. The process gets StopGrace to exit after SIGTERM before it
// is killed. Calling Stop again, or after the supervisor ended on its own,
// only waits.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if !s.started || s.finished {
			s.mu.Unlock()
			return
		}
		s.stopRequested = true
		p := s.cur
		s.rec.Phase = stream.PhaseStopping
		s.publish()
		s.mu.Unlock()
		s.cancel()

		if p != nil {
			s.terminate(p)
		}
	})
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.done
	}
}

func (s *Supervisor) terminate(p *process) {
	if err := p.cmd.Terminate(); err != nil {
		s.sugar.Warnw("Failed to signal encoder", "streamId", s.id, "pid", p.cmd.Pid(), "error", err)
	}
	t := s.opts.Clock.NewTimer(s.opts.StopGrace)
	defer t.Stop()
	select {
	case <-p.exited:
		return
	case <-t.C:
	}
	s.sugar.Warnw("Encoder ignored termination, killing", "streamId", s.id, "pid", p.cmd.Pid())
	if err := p.cmd.Kill(); err != nil {
		s.sugar.Warnw("Failed to kill encoder", "streamId", s.id, "pid", p.cmd.Pid(), "error", err)
	}
	<-p.exited
}

// Done is closed once the supervisor reached Stopped or Failed.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Err is the reason the supervisor failed, nil when it stopped cleanly.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Supervisor) Record() stream.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

func crashError(exitErr error, tail string) error {
	if tail == "" {
		return fmt.Errorf("%w: %v", stream.ErrEncoderCrashed, exitErr)
	}
	return fmt.Errorf("%w: %v: %s", stream.ErrEncoderCrashed, exitErr, tail)
}
