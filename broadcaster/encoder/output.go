package encoder

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
)

const tailLines = 20

// output collects encoder stdout and stderr. Lines are kept in a short tail for
// crash reports and batched into log sink records by flush.
type output struct {
	mu       sync.Mutex
	partial  []byte
	tail     []string
	pending  []string
	dropped  int
	maxLines int

	alive     chan struct{}
	aliveOnce sync.Once
}

func newOutput(maxLines int) *output {
	return &output{maxLines: maxLines, alive: make(chan struct{})}
}

func (o *output) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.partial = append(o.partial, p...)
	for {
		// ffmpeg ends progress lines with \r
		i := bytes.IndexAny(o.partial, "\r\n")
		if i < 0 {
			break
		}
		o.addLine(string(o.partial[:i]))
		o.partial = o.partial[i+1:]
	}
	if len(o.partial) > 4096 {
		o.addLine(string(o.partial))
		o.partial = nil
	}
	return len(p), nil
}

func (o *output) addLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	o.aliveOnce.Do(func() { close(o.alive) })

	o.tail = append(o.tail, line)
	if len(o.tail) > tailLines {
		o.tail = o.tail[len(o.tail)-tailLines:]
	}
	if len(o.pending) < o.maxLines {
		o.pending = append(o.pending, line)
	} else {
		o.dropped++
	}
}

// Alive is closed once the process printed its first line.
func (o *output) Alive() <-chan struct{} {
	return o.alive
}

// Tail returns the last lines printed, oldest first.
func (o *output) Tail() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	lines := o.tail
	if len(o.partial) > 0 {
		lines = append(append([]string(nil), lines...), strings.TrimSpace(string(o.partial)))
	}
	return strings.Join(lines, "\n")
}

// flush forwards the pending lines as one record through log.
func (o *output) flush(ctx context.Context, log func(context.Context, string)) {
	o.mu.Lock()
	if len(o.pending) == 0 {
		o.mu.Unlock()
		return
	}
	msg := strings.Join(o.pending, "\n")
	if o.dropped > 0 {
		msg += fmt.Sprintf("\n(%d more lines omitted)", o.dropped)
	}
	o.pending = nil
	o.dropped = 0
	o.mu.Unlock()

	log(ctx, msg)
}

// endpointFault reports whether the encoder lost or never got its connection to
// the output endpoint.
func endpointFault(tail string) bool {
	return strings.Contains(tail, "Connection refused") || strings.Contains(tail, "Broken pipe")
}
