package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"playcast/broadcaster/stream"
)

func items(refs ...string) []stream.Item {
	out := make([]stream.Item, len(refs))
	for i, ref := range refs {
		out[i] = stream.Item{Ref: ref, EntryId: ref}
	}
	return out
}

func readEntries(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return Entries(string(data))
}

func TestBuildWithoutLoop(t *testing.T) {
	b := New(zaptest.NewLogger(t).Sugar(), 4)
	dir := t.TempDir()

	path, err := b.Build(dir, items("/m/c.mp4", "/m/a.mp4", "/m/b.mp4"), false)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))

	want := []string{"/m/c.mp4", "/m/a.mp4", "/m/b.mp4"}
	if diff := cmp.Diff(want, readEntries(t, path)); diff != "" {
		t.Errorf("manifest entries mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildWithLoop(t *testing.T) {
	b := New(zaptest.NewLogger(t).Sugar(), 3)

	path, err := b.Build(t.TempDir(), items("x", "y"), true)
	require.NoError(t, err)

	want := []string{"x", "y", "x", "y", "x", "y"}
	if diff := cmp.Diff(want, readEntries(t, path)); diff != "" {
		t.Errorf("manifest entries mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildCreatesFreshFileEachCall(t *testing.T) {
	b := New(zaptest.NewLogger(t).Sugar(), 0)
	assert.Equal(t, DefaultLoopMultiplier, b.LoopMultiplier())
	dir := t.TempDir()

	first, err := b.Build(dir, items("a"), false)
	require.NoError(t, err)
	second, err := b.Build(dir, items("a"), false)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.FileExists(t, first)
	assert.FileExists(t, second)
}

func TestBuildDropsUnescapableEntries(t *testing.T) {
	b := New(zaptest.NewLogger(t).Sugar(), 2)

	path, err := b.Build(t.TempDir(), items("good.mp4", "bad\nfile 'evil.mp4", "also good.mp4"), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"good.mp4", "also good.mp4"}, readEntries(t, path))
}

func TestBuildFailsWithNothingUsable(t *testing.T) {
	b := New(zaptest.NewLogger(t).Sugar(), 2)

	_, err := b.Build(t.TempDir(), items("bad\x00"), true)
	assert.ErrorIs(t, err, stream.ErrManifestWriteFailed)

	_, err = b.Build(t.TempDir(), nil, false)
	assert.ErrorIs(t, err, stream.ErrManifestWriteFailed)
}

func TestBuildFailsOnMissingDirectory(t *testing.T) {
	b := New(zaptest.NewLogger(t).Sugar(), 2)

	_, err := b.Build(filepath.Join(t.TempDir(), "missing"), items("a"), false)
	assert.ErrorIs(t, err, stream.ErrManifestWriteFailed)
}

func TestEscape(t *testing.T) {
	cases := map[string]string{
		"/tmp/plain.mp4":                   "file '/tmp/plain.mp4'",
		"/tmp/it's here.mp4":               `file '/tmp/it'\''s here.mp4'`,
		"https://cdn.example/v?id=1&sig=2": "file 'https://cdn.example/v?id=1&sig=2'",
	}
	for ref, want := range cases {
		got, ok := Escape(ref)
		assert.True(t, ok, ref)
		assert.Equal(t, want, got)
		assert.Equal(t, []string{ref}, Entries(got))
	}

	for _, bad := range []string{"", "a\nb", "a\rb", "a\x00b"} {
		_, ok := Escape(bad)
		assert.False(t, ok, strings.ReplaceAll(bad, "\x00", "NUL"))
	}
}
