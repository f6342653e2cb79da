package manifest

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"

	"playcast/broadcaster/stream"
)

// DefaultLoopMultiplier is how many times a looping playlist is repeated in a
// single manifest. The concat demuxer needs a finite list; the supervisor
// respawns with a fresh manifest once the encoder works through all of it.
const DefaultLoopMultiplier = 100

const filePrefix = "concat-"

type Builder struct {
	sugar          *zap.SugaredLogger
	loopMultiplier int
}

func New(sugar *zap.SugaredLogger, loopMultiplier int) *Builder {
	if loopMultiplier <= 0 {
		loopMultiplier = DefaultLoopMultiplier
	}
	return &Builder{sugar: sugar, loopMultiplier: loopMultiplier}
}

func (b *Builder) LoopMultiplier() int {
	return b.loopMultiplier
}

// Build writes a concat manifest for items into dir and returns its path.
// Every call produces a new file.
func (b *Builder) Build(dir string, items []stream.Item, loop bool) (string, error) {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		line, ok := Escape(item.Ref)
		if !ok {
			b.sugar.Warnw("Dropping manifest entry that cannot be escaped", "entryId", item.EntryId, "title", item.Title)
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("%w: no usable entries", stream.ErrManifestWriteFailed)
	}

	repeat := 1
	if loop {
		repeat = b.loopMultiplier
	}

	var sb strings.Builder
	for i := 0; i < repeat; i++ {
		for _, line := range lines {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}

	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("%w: %w", stream.ErrManifestWriteFailed, err)
	}
	path := filepath.Join(dir, filePrefix+id+".txt")
	if err := renameio.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return "", fmt.Errorf("%w: %w", stream.ErrManifestWriteFailed, err)
	}

	b.sugar.Debugw("Manifest written", "path", path, "entries", len(lines), "repeat", repeat)
	return path, nil
}

// Escape renders ref as a concat demuxer "file" directive. Inside single
// quotes nothing is special except the quote itself, which has to leave the
// quoted span. Line breaks and NUL end a directive and cannot be represented.
func Escape(ref string) (string, bool) {
	if ref == "" || strings.ContainsAny(ref, "\x00\r\n") {
		return "", false
	}
	return "file '" + strings.ReplaceAll(ref, "'", `'\''`) + "'", true
}

// Entries parses a manifest back into refs. Used to inspect what an encoder
// was given.
func Entries(content string) []string {
	var refs []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "file ") {
			continue
		}
		refs = append(refs, unquote(strings.TrimPrefix(line, "file ")))
	}
	return refs
}

func unquote(s string) string {
	var sb strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
		case c == '\\' && !inQuote && i+1 < len(s):
			i++
			sb.WriteByte(s[i])
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
