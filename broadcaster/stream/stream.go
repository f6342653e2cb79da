package stream

import (
	"fmt"
	"strings"
	"time"
)

type Id string

// Validate rejects ids that cannot name a directory of their own under the
// scratch root.
func (id Id) Validate() error {
	switch {
	case id == "":
		return fmt.Errorf("%w: missing stream id", ErrSourceUnavailable)
	case id == "." || id == "..":
		return fmt.Errorf("%w: invalid stream id %q", ErrSourceUnavailable, string(id))
	case strings.ContainsAny(string(id), "/\\\x00"):
		return fmt.Errorf("%w: stream id %q contains a path separator or NUL", ErrSourceUnavailable, string(id))
	}
	return nil
}

type SourceKind int

const (
	SourceLocalFiles SourceKind = iota
	SourcePlaylistDownload
	SourcePlaylistDirect
)

func (k SourceKind) String() string {
	switch k {
	case SourceLocalFiles:
		return "local_files"
	case SourcePlaylistDownload:
		return "playlist_download"
	case SourcePlaylistDirect:
		return "playlist_direct"
	default:
		return fmt.Sprintf("source(%d)", int(k))
	}
}

func (k SourceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *SourceKind) UnmarshalText(text []byte) error {
	for _, kind := range []SourceKind{SourceLocalFiles, SourcePlaylistDownload, SourcePlaylistDirect} {
		if kind.String() == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown source kind %q", string(text))
}

// FileRef is a user-curated media file. Path is absolute or relative to the
// configured media root.
type FileRef struct {
	Id    string `json:"id"`
	Title string `json:"title"`
	Path  string `json:"path"`
}

// Config is owned by the caller and never modified by the engine.
type Config struct {
	Id         Id         `json:"id"`
	Title      string     `json:"title"`
	Source     SourceKind `json:"source"`
	Files      []FileRef  `json:"files,omitempty"`
	PlaylistId string     `json:"playlist_id,omitempty"`
	Shuffle    bool       `json:"shuffle"`
	Loop       bool       `json:"loop"`
	// Endpoint is the encoder output URL, credentials included.
	Endpoint string `json:"endpoint"`
}

func (c *Config) Validate() error {
	if err := c.Id.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("%w: missing output endpoint", ErrSourceUnavailable)
	}
	hasFiles := len(c.Files) > 0
	hasPlaylist := c.PlaylistId != ""
	switch c.Source {
	case SourceLocalFiles:
		if !hasFiles {
			return fmt.Errorf("%w: no media files attached", ErrSourceUnavailable)
		}
		if hasPlaylist {
			return fmt.Errorf("%w: playlist id set on a local files stream", ErrSourceUnavailable)
		}
	case SourcePlaylistDownload, SourcePlaylistDirect:
		if !hasPlaylist {
			return fmt.Errorf("%w: no playlist configured", ErrSourceUnavailable)
		}
		if hasFiles {
			return fmt.Errorf("%w: media files set on a playlist stream", ErrSourceUnavailable)
		}
	default:
		return fmt.Errorf("%w: unknown source kind %v", ErrSourceUnavailable, c.Source)
	}
	return nil
}

// Item is one playable unit. Items are values and are never patched; a stale
// remote URL is replaced by resolving again.
type Item struct {
	Ref     string
	Remote  bool
	// Owned is set for files the engine downloaded into the scratch directory.
	Owned   bool
	EntryId string
	Title   string
}

type Phase int

const (
	PhaseStarting Phase = iota
	PhaseRunning
	PhaseStopping
	PhaseStopped
	PhaseFailed
)

var phaseNames = map[Phase]string{
	PhaseStarting: "starting",
	PhaseRunning:  "running",
	PhaseStopping: "stopping",
	PhaseStopped:  "stopped",
	PhaseFailed:   "failed",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Terminal reports whether no further transitions can happen.
func (p Phase) Terminal() bool {
	return p == PhaseStopped || p == PhaseFailed
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	for phase, name := range phaseNames {
		if name == string(text) {
			*p = phase
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", string(text))
}

// Record is the live process status published by the encoder supervisor.
type Record struct {
	Pid       int       `json:"pid"`
	Phase     Phase     `json:"phase"`
	StartedAt time.Time `json:"started_at"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
}

// Mutex guards the start sequence of one stream across processes. Holders
// call Extend while the sequence takes longer than the mutex expiry.
type Mutex interface {
	Lock() error
	Extend() (bool, error)
	Unlock() (bool, error)
}
