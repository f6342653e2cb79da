package resolver

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordedRun struct {
	name string
	args []string
}

func fakeRunner(stdout string, stderr string, err error, calls *[]recordedRun) commandRunner {
	return func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		*calls = append(*calls, recordedRun{name: name, args: args})
		return []byte(stdout), []byte(stderr), err
	}
}

func TestYtDlpListEntries(t *testing.T) {
	var calls []recordedRun
	y := NewYtDlp(zaptest.NewLogger(t).Sugar(), "/usr/bin/yt-dlp", 480)
	y.run = fakeRunner("abc\tFirst video\r\n\nNA\tPrivate\ndef\tSecond\twith tab\nghi\n", "", nil, &calls)

	entries, err := y.ListEntries(context.Background(), "PL123")
	require.NoError(t, err)
	assert.Equal(t, []PlaylistEntry{
		{Id: "abc", Title: "First video"},
		{Id: "def", Title: "Second\twith tab"},
		{Id: "ghi", Title: ""},
	}, entries)

	require.Len(t, calls, 1)
	assert.Equal(t, "/usr/bin/yt-dlp", calls[0].name)
	assert.Contains(t, calls[0].args, "--flat-playlist")
	assert.Equal(t, playlistUrl+"PL123", calls[0].args[len(calls[0].args)-1])
}

func TestYtDlpResolveURL(t *testing.T) {
	var calls []recordedRun
	y := NewYtDlp(zaptest.NewLogger(t).Sugar(), "", 0)
	y.run = fakeRunner("WARNING: something\nhttps://rr1.googlevideo.com/videoplayback?expire=1\n", "", nil, &calls)

	url, err := y.ResolveURL(context.Background(), PlaylistEntry{Id: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "https://rr1.googlevideo.com/videoplayback?expire=1", url)

	require.Len(t, calls, 1)
	assert.Equal(t, "yt-dlp", calls[0].name)
	assert.Contains(t, calls[0].args, "best[height<=720][ext=mp4]/best[height<=720]/best")
	assert.Contains(t, calls[0].args, "-g")
}

func TestYtDlpResolveURLFailures(t *testing.T) {
	var calls []recordedRun
	y := NewYtDlp(zaptest.NewLogger(t).Sugar(), "", 0)

	y.run = fakeRunner("", "", nil, &calls)
	_, err := y.ResolveURL(context.Background(), PlaylistEntry{Id: "abc"})
	assert.ErrorIs(t, err, errUnresolvable)

	y.run = fakeRunner("", "ERROR: Video unavailable", &exec.ExitError{}, &calls)
	_, err = y.ResolveURL(context.Background(), PlaylistEntry{Id: "abc"})
	assert.ErrorIs(t, err, errUnresolvable)
	assert.Contains(t, err.Error(), "Video unavailable")

	y.run = fakeRunner("", "", errors.New("executable file not found"), &calls)
	_, err = y.ResolveURL(context.Background(), PlaylistEntry{Id: "abc"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, errUnresolvable)
}

func TestYtDlpDownload(t *testing.T) {
	var calls []recordedRun
	y := NewYtDlp(zaptest.NewLogger(t).Sugar(), "", 360)
	y.run = fakeRunner("", "", nil, &calls)

	require.NoError(t, y.Download(context.Background(), PlaylistEntry{Id: "abc"}, "/scratch/s1/downloads/000_abc.mp4"))
	require.Len(t, calls, 1)
	args := calls[0].args
	assert.Contains(t, args, "/scratch/s1/downloads/000_abc.mp4")
	assert.Contains(t, args, "best[height<=360][ext=mp4]/best[height<=360]/best")
	assert.Equal(t, watchUrl+"abc", args[len(args)-1])
}
