package resolver

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"

	"go.uber.org/zap"

	"playcast/broadcaster/download"
	"playcast/broadcaster/stream"
)

type PlaylistEntry = download.Entry

// PlaylistLister enumerates a remote playlist in provider order.
type PlaylistLister interface {
	ListEntries(ctx context.Context, playlistId string) ([]PlaylistEntry, error)
}

// URLResolver turns an entry into a direct, time-limited playable URL.
type URLResolver interface {
	ResolveURL(ctx context.Context, entry PlaylistEntry) (string, error)
}

// Fetcher copies entries into dir and returns local paths keyed by entry id.
type Fetcher interface {
	FetchAll(ctx context.Context, dir string, entries []PlaylistEntry) map[string]string
}

type Options struct {
	// MediaRoot anchors relative local file references.
	MediaRoot string
	// Shuffle permutes entries in place. Defaults to a uniform shuffle.
	Shuffle func(entries []PlaylistEntry)
	// OnDrop is called once for every entry removed from a resolution.
	OnDrop func(kind stream.SourceKind)
}

type Resolver struct {
	sugar   *zap.SugaredLogger
	lister  PlaylistLister
	urls    URLResolver
	fetcher Fetcher
	opts    Options
}

func New(sugar *zap.SugaredLogger, lister PlaylistLister, urls URLResolver, fetcher Fetcher, opts Options) *Resolver {
	if opts.Shuffle == nil {
		opts.Shuffle = func(entries []PlaylistEntry) {
			rand.Shuffle(len(entries), func(i, j int) {
				entries[i], entries[j] = entries[j], entries[i]
			})
		}
	}
	return &Resolver{
		sugar:   sugar,
		lister:  lister,
		urls:    urls,
		fetcher: fetcher,
		opts:    opts,
	}
}

// Resolve produces the ordered playable items for cfg. dir is the stream's
// scratch directory, used when entries have to be copied locally.
func (r *Resolver) Resolve(ctx context.Context, cfg *stream.Config, dir string) ([]stream.Item, error) {
	switch cfg.Source {
	case stream.SourceLocalFiles:
		return r.resolveFiles(cfg)
	case stream.SourcePlaylistDownload, stream.SourcePlaylistDirect:
		entries, err := r.listEntries(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if cfg.Source == stream.SourcePlaylistDownload {
			return r.resolveDownload(ctx, cfg, dir, entries)
		}
		return r.resolveDirect(ctx, cfg, entries)
	default:
		return nil, fmt.Errorf("%w: unknown source kind %v", stream.ErrSourceUnavailable, cfg.Source)
	}
}

// resolveFiles keeps the declared order. Local files are never shuffled.
func (r *Resolver) resolveFiles(cfg *stream.Config) ([]stream.Item, error) {
	if len(cfg.Files) == 0 {
		return nil, fmt.Errorf("%w: no media files attached", stream.ErrSourceUnavailable)
	}
	items := make([]stream.Item, 0, len(cfg.Files))
	for _, f := range cfg.Files {
		path, err := r.localPath(f.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: media file %s: %v", stream.ErrSourceUnavailable, f.Path, err)
		}
		items = append(items, stream.Item{Ref: path, EntryId: f.Id, Title: f.Title})
	}
	return items, nil
}

// localPath makes a file ref absolute. The concat demuxer reads relative
// entries against the manifest's directory, not the working directory.
func (r *Resolver) localPath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}
	if r.opts.MediaRoot != "" {
		path = filepath.Join(r.opts.MediaRoot, path)
	}
	return filepath.Abs(path)
}

func (r *Resolver) listEntries(ctx context.Context, cfg *stream.Config) ([]PlaylistEntry, error) {
	if cfg.PlaylistId == "" {
		return nil, fmt.Errorf("%w: no playlist configured", stream.ErrSourceUnavailable)
	}
	if r.lister == nil {
		return nil, fmt.Errorf("%w: no playlist provider configured", stream.ErrResolutionFailed)
	}
	entries, err := r.lister.ListEntries(ctx, cfg.PlaylistId)
	if err != nil {
		return nil, fmt.Errorf("%w: listing playlist %s: %w", stream.ErrResolutionFailed, cfg.PlaylistId, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: playlist %s is empty", stream.ErrSourceUnavailable, cfg.PlaylistId)
	}
	entries = append([]PlaylistEntry(nil), entries...)
	if cfg.Shuffle {
		r.opts.Shuffle(entries)
	}
	r.sugar.Debugw("Playlist enumerated", "streamId", cfg.Id, "playlistId", cfg.PlaylistId, "entries", len(entries), "shuffled", cfg.Shuffle)
	return entries, nil
}

func (r *Resolver) resolveDownload(ctx context.Context, cfg *stream.Config, dir string, entries []PlaylistEntry) ([]stream.Item, error) {
	if r.fetcher == nil {
		return nil, fmt.Errorf("%w: no downloader configured", stream.ErrResolutionFailed)
	}
	paths := r.fetcher.FetchAll(ctx, dir, entries)
	return r.keepSurvivors(cfg, entries, func(e PlaylistEntry) (stream.Item, bool) {
		path, ok := paths[e.Id]
		return stream.Item{Ref: path, Owned: true, EntryId: e.Id, Title: e.Title}, ok
	})
}

func (r *Resolver) resolveDirect(ctx context.Context, cfg *stream.Config, entries []PlaylistEntry) ([]stream.Item, error) {
	if r.urls == nil {
		return nil, fmt.Errorf("%w: no url resolver configured", stream.ErrResolutionFailed)
	}
	return r.keepSurvivors(cfg, entries, func(e PlaylistEntry) (stream.Item, bool) {
		if ctx.Err() != nil {
			return stream.Item{}, false
		}
		url, err := r.urls.ResolveURL(ctx, e)
		if err != nil {
			r.sugar.Warnw("Could not resolve playable url", "streamId", cfg.Id, "entryId", e.Id, "error", err)
			return stream.Item{}, false
		}
		return stream.Item{Ref: url, Remote: true, EntryId: e.Id, Title: e.Title}, true
	})
}

// keepSurvivors is the single place where failed entries are dropped. Entries
// keep their resolution order; a failure only becomes fatal when nothing
// survives.
func (r *Resolver) keepSurvivors(cfg *stream.Config, entries []PlaylistEntry, resolve func(PlaylistEntry) (stream.Item, bool)) ([]stream.Item, error) {
	items := make([]stream.Item, 0, len(entries))
	for _, e := range entries {
		item, ok := resolve(e)
		if !ok {
			r.sugar.Warnw("Dropping playlist entry", "streamId", cfg.Id, "entryId", e.Id, "title", e.Title)
			if r.opts.OnDrop != nil {
				r.opts.OnDrop(cfg.Source)
			}
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: none of %d playlist entries could be resolved", stream.ErrResolutionFailed, len(entries))
	}
	if dropped := len(entries) - len(items); dropped > 0 {
		r.sugar.Infow("Resolved playlist with dropped entries", "streamId", cfg.Id, "kept", len(items), "dropped", dropped)
	}
	return items, nil
}
