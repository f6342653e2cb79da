package broadcaster

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"playcast/broadcaster/encoder"
	"playcast/broadcaster/manifest"
	"playcast/broadcaster/resolver"
	"playcast/broadcaster/stream"
	"playcast/logsink"
	"playcast/metrics"
	"playcast/registry"
)

var errCrash = errors.New("exit status 1")

// testEncoder stands in for an ffmpeg process. It records the manifest it was
// given at start, since the scratch directory is gone after the stream ends.
type testEncoder struct {
	pid         int
	args        []string
	manifest    []string
	startErr    error
	exitOnStart error
	exit        chan error
}

func (e *testEncoder) SetStdout(io.Writer) {}

func (e *testEncoder) SetStderr(io.Writer) {}

func (e *testEncoder) Start() error {
	if e.startErr != nil {
		return e.startErr
	}
	for i, arg := range e.args {
		if arg == "-i" && i+1 < len(e.args) {
			if data, err := os.ReadFile(e.args[i+1]); err == nil {
				e.manifest = manifest.Entries(string(data))
			}
		}
	}
	if e.exitOnStart != nil {
		e.exit <- e.exitOnStart
	}
	return nil
}

func (e *testEncoder) Wait() error {
	return <-e.exit
}

func (e *testEncoder) Pid() int {
	return e.pid
}

func (e *testEncoder) Terminate() error {
	select {
	case e.exit <- errors.New("signal: terminated"):
	default:
	}
	return nil
}

func (e *testEncoder) Kill() error {
	return e.Terminate()
}

func (e *testEncoder) manifestPath() string {
	for i, arg := range e.args {
		if arg == "-i" && i+1 < len(e.args) {
			return e.args[i+1]
		}
	}
	return ""
}

type testEncoders struct {
	mu        sync.Mutex
	encoders  []*testEncoder
	configure func(n int, e *testEncoder)
}

func (f *testEncoders) create(_ string, args []string) encoder.Cmder {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &testEncoder{pid: 4000 + len(f.encoders), args: args, exit: make(chan error, 1)}
	if f.configure != nil {
		f.configure(len(f.encoders), e)
	}
	f.encoders = append(f.encoders, e)
	return e
}

func (f *testEncoders) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.encoders)
}

func (f *testEncoders) get(i int) *testEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.encoders[i]
}

type testLister struct {
	entries []resolver.PlaylistEntry
	err     error
}

func (l *testLister) ListEntries(context.Context, string) ([]resolver.PlaylistEntry, error) {
	return l.entries, l.err
}

type testURLs struct {
	mu     sync.Mutex
	calls  int
	broken map[string]bool
}

func (u *testURLs) ResolveURL(_ context.Context, entry resolver.PlaylistEntry) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if u.broken[entry.Id] {
		return "", errors.New("video unavailable")
	}
	return "https://cdn.example.com/" + entry.Id + ".mp4", nil
}

func (u *testURLs) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

type memorySink struct {
	mu      sync.Mutex
	entries []logsink.Entry
}

func (m *memorySink) Append(_ context.Context, entry logsink.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memorySink) has(level logsink.Level, prefix string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.Level == level && len(e.Message) >= len(prefix) && e.Message[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

type fixture struct {
	broadcaster *Broadcaster
	encoders    *testEncoders
	registry    *registry.Memory
	sink        *memorySink
	scratch     string
}

func newFixture(t *testing.T, res Resolver, loopMultiplier int, opts encoder.Options, configure func(n int, e *testEncoder)) *fixture {
	logger := zaptest.NewLogger(t)
	f := &fixture{
		encoders: &testEncoders{configure: configure},
		registry: registry.NewMemory(),
		sink:     &memorySink{},
		scratch:  t.TempDir(),
	}
	opts.CmderCreator = f.encoders.create
	if opts.RestartBackoff == 0 {
		opts.RestartBackoff = time.Millisecond
	}
	if opts.LivenessGrace == 0 {
		opts.LivenessGrace = 5 * time.Millisecond
	}
	if res == nil {
		res = resolver.New(logger.Sugar(), nil, nil, nil, resolver.Options{})
	}
	f.broadcaster = New(logger.Sugar(), &Config{
		ScratchRoot: f.scratch,
		Resolver:    res,
		Manifests:   manifest.New(logger.Sugar(), loopMultiplier),
		Registry:    f.registry,
		Sink:        f.sink,
		Metrics:     metrics.New(),
		Encoder:     opts,
	})
	return f
}

func (f *fixture) dir(id stream.Id) string {
	return filepath.Join(f.scratch, string(id))
}

func localConfig(id stream.Id) stream.Config {
	return stream.Config{
		Id:       id,
		Source:   stream.SourceLocalFiles,
		Endpoint: "rtmp://live.example.com/app/key",
		Files: []stream.FileRef{
			{Id: "1", Path: "/media/intro.mp4"},
			{Id: "2", Path: "/media/it's live.mp4"},
			{Id: "3", Path: "/media/outro.mp4"},
		},
	}
}

func directConfig(id stream.Id) stream.Config {
	return stream.Config{
		Id:         id,
		Source:     stream.SourcePlaylistDirect,
		PlaylistId: "PL1",
		Loop:       true,
		Endpoint:   "rtmp://live.example.com/app/key",
	}
}

func playlist(ids ...string) []resolver.PlaylistEntry {
	entries := make([]resolver.PlaylistEntry, len(ids))
	for i, id := range ids {
		entries[i] = resolver.PlaylistEntry{Id: id, Title: "video " + id}
	}
	return entries
}

func assertNoDir(t *testing.T, dir string) {
	t.Helper()
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "expected %s to be removed, stat error: %v", dir, err)
}

func TestAgentCrashesThenStopCleansUp(t *testing.T) {
	f := newFixture(t, nil, 100, encoder.Options{}, func(n int, e *testEncoder) {
		if n < 2 {
			e.exitOnStart = errCrash
		}
	})
	ctx := context.Background()

	a, err := f.broadcaster.Start(ctx, localConfig("s1"))
	require.NoError(t, err)
	assert.DirExists(t, f.dir("s1"))

	assert.Eventually(t, func() bool {
		rec, ok, _ := f.registry.Get(ctx, "s1")
		return ok && f.encoders.count() == 3 && rec.Phase == stream.PhaseRunning
	}, 2*time.Second, time.Millisecond)

	rec, _, _ := f.registry.Get(ctx, "s1")
	assert.Equal(t, 2, rec.Restarts)
	assert.Equal(t, 4002, rec.Pid)
	for i := 0; i < 3; i++ {
		assert.Equal(t, []string{"/media/intro.mp4", "/media/it's live.mp4", "/media/outro.mp4"}, f.encoders.get(i).manifest)
	}
	// superseded manifests are removed on restart
	assert.NoFileExists(t, f.encoders.get(0).manifestPath())
	assert.FileExists(t, f.encoders.get(2).manifestPath())

	require.NoError(t, f.broadcaster.Stop(ctx, "s1"))

	assertNoDir(t, f.dir("s1"))
	_, ok, err := f.registry.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, f.broadcaster.Agents())
	assert.NoError(t, a.Err())
	assert.True(t, f.sink.has(logsink.LevelInfo, "Stream started"))
	assert.True(t, f.sink.has(logsink.LevelInfo, "Stream stopped"))
}

func TestAgentDirectPlaylistDropsUnresolvableEntry(t *testing.T) {
	logger := zaptest.NewLogger(t)
	urls := &testURLs{broken: map[string]bool{"v3": true}}
	res := resolver.New(logger.Sugar(), &testLister{entries: playlist("v1", "v2", "v3", "v4", "v5")}, urls, nil, resolver.Options{})
	f := newFixture(t, res, 4, encoder.Options{}, nil)
	ctx := context.Background()

	_, err := f.broadcaster.Start(ctx, directConfig("s1"))
	require.NoError(t, err)

	e := f.encoders.get(0)
	require.Len(t, e.manifest, 16)
	cycle := []string{
		"https://cdn.example.com/v1.mp4",
		"https://cdn.example.com/v2.mp4",
		"https://cdn.example.com/v4.mp4",
		"https://cdn.example.com/v5.mp4",
	}
	for i := 0; i < 4; i++ {
		assert.Equal(t, cycle, e.manifest[i*4:(i+1)*4])
	}
	assert.Contains(t, e.args, "-protocol_whitelist")

	require.NoError(t, f.broadcaster.Stop(ctx, "s1"))
	assertNoDir(t, f.dir("s1"))
}

func TestAgentDirectPlaylistResolvesAgainOnRestart(t *testing.T) {
	logger := zaptest.NewLogger(t)
	urls := &testURLs{}
	res := resolver.New(logger.Sugar(), &testLister{entries: playlist("v1", "v2")}, urls, nil, resolver.Options{})
	f := newFixture(t, res, 1, encoder.Options{}, func(n int, e *testEncoder) {
		if n == 0 {
			e.exitOnStart = errCrash
		}
	})
	ctx := context.Background()

	_, err := f.broadcaster.Start(ctx, directConfig("s1"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return f.encoders.count() == 2
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 4, urls.callCount())

	require.NoError(t, f.broadcaster.Stop(ctx, "s1"))
}

func TestAgentRestartCeilingFails(t *testing.T) {
	f := newFixture(t, nil, 1, encoder.Options{RestartCeiling: 3}, func(n int, e *testEncoder) {
		e.exitOnStart = errCrash
	})
	ctx := context.Background()

	a, err := f.broadcaster.Start(ctx, localConfig("s1"))
	require.NoError(t, err)

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not end")
	}

	assert.Equal(t, 3, f.encoders.count())
	assert.ErrorIs(t, a.Err(), stream.ErrEncoderCrashed)
	assertNoDir(t, f.dir("s1"))
	assert.Empty(t, f.broadcaster.Agents())
	assert.True(t, f.sink.has(logsink.LevelError, "Stream failed"))

	// the failed record stays readable until acknowledged
	rec, ok, err := f.broadcaster.Status(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stream.PhaseFailed, rec.Phase)
	assert.Equal(t, 2, rec.Restarts)
	assert.Contains(t, rec.LastError, "exit status 1")

	require.NoError(t, f.broadcaster.Stop(ctx, "s1"))
	_, ok, err = f.broadcaster.Status(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAgentStopWhileResolving(t *testing.T) {
	resolving := make(chan struct{})
	res := resolverFunc(func(ctx context.Context, cfg *stream.Config, dir string) ([]stream.Item, error) {
		close(resolving)
		<-ctx.Done()
		// an in-flight download that finished after the stop
		return []stream.Item{{Ref: dir + "/downloads/000_v1.mp4", Owned: true}}, nil
	})
	f := newFixture(t, res, 1, encoder.Options{}, nil)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := f.broadcaster.Start(ctx, localConfig("s1"))
		errCh <- err
	}()

	<-resolving
	require.NoError(t, f.broadcaster.Stop(ctx, "s1"))

	assert.ErrorIs(t, <-errCh, stream.ErrStopped)
	assert.Equal(t, 0, f.encoders.count())
	assertNoDir(t, f.dir("s1"))
	assert.Equal(t, 0, f.registry.Len())
	assert.Empty(t, f.broadcaster.Agents())
}

type resolverFunc func(ctx context.Context, cfg *stream.Config, dir string) ([]stream.Item, error)

func (r resolverFunc) Resolve(ctx context.Context, cfg *stream.Config, dir string) ([]stream.Item, error) {
	return r(ctx, cfg, dir)
}
