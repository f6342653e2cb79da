package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

const (
	DefaultQualityCap = 720
	watchUrl          = "https://www.youtube.com/watch?v="
	playlistUrl       = "https://www.youtube.com/playlist?list="
)

var errUnresolvable = errors.New("entry not resolvable")

type commandRunner func(ctx context.Context, name string, args ...string) (stdout []byte, stderr []byte, err error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// YtDlp drives the yt-dlp executable for playlist listing, direct url
// resolution and downloads.
type YtDlp struct {
	sugar      *zap.SugaredLogger
	bin        string
	qualityCap int
	run        commandRunner
}

func NewYtDlp(sugar *zap.SugaredLogger, bin string, qualityCap int) *YtDlp {
	if bin == "" {
		bin = "yt-dlp"
	}
	if qualityCap <= 0 {
		qualityCap = DefaultQualityCap
	}
	return &YtDlp{sugar: sugar, bin: bin, qualityCap: qualityCap, run: runCommand}
}

func (y *YtDlp) format() string {
	return fmt.Sprintf("best[height<=%d][ext=mp4]/best[height<=%d]/best", y.qualityCap, y.qualityCap)
}

func (y *YtDlp) ListEntries(ctx context.Context, playlistId string) ([]PlaylistEntry, error) {
	stdout, stderr, err := y.run(ctx, y.bin, "--flat-playlist", "--no-warnings",
		"--print", "%(id)s\t%(title)s", playlistUrl+playlistId)
	if err != nil {
		return nil, commandError(err, stderr)
	}
	return parseEntries(string(stdout)), nil
}

func (y *YtDlp) ResolveURL(ctx context.Context, entry PlaylistEntry) (string, error) {
	stdout, stderr, err := y.run(ctx, y.bin, "--no-playlist", "--no-warnings",
		"-f", y.format(), "-g", watchUrl+entry.Id)
	if err != nil {
		return "", commandError(err, stderr)
	}
	for _, line := range strings.Split(string(stdout), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
			return line, nil
		}
	}
	return "", fmt.Errorf("%w: no url in output %q", errUnresolvable, strings.TrimSpace(string(stdout)))
}

func (y *YtDlp) Download(ctx context.Context, entry PlaylistEntry, dest string) error {
	_, stderr, err := y.run(ctx, y.bin, "--no-playlist", "--no-warnings", "--no-part",
		"--force-overwrites", "-f", y.format(), "-o", dest, watchUrl+entry.Id)
	if err != nil {
		return commandError(err, stderr)
	}
	y.sugar.Debugw("Downloaded playlist entry", "entryId", entry.Id, "title", entry.Title, "dest", dest)
	return nil
}

func parseEntries(output string) []PlaylistEntry {
	var entries []PlaylistEntry
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		id, title, _ := strings.Cut(line, "\t")
		id = strings.TrimSpace(id)
		if id == "" || id == "NA" {
			continue
		}
		entries = append(entries, PlaylistEntry{Id: id, Title: strings.TrimSpace(title)})
	}
	return entries
}

func commandError(err error, stderr []byte) error {
	msg := strings.TrimSpace(string(stderr))
	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		return fmt.Errorf("%w: exit code %d: %s", errUnresolvable, exitError.ExitCode(), msg)
	}
	if msg != "" {
		return fmt.Errorf("%w: %s", err, msg)
	}
	return err
}
