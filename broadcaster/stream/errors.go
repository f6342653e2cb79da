package stream

import "errors"

var (
	ErrSourceUnavailable   = errors.New("source unavailable")
	ErrResolutionFailed    = errors.New("resolution failed")
	ErrFetchFailed         = errors.New("fetch failed")
	ErrManifestWriteFailed = errors.New("manifest write failed")
	ErrSpawnFailed         = errors.New("encoder spawn failed")
	ErrEncoderCrashed      = errors.New("encoder crashed")
	ErrAlreadyRunning      = errors.New("stream already running")
	ErrStopped             = errors.New("stream stopped")
)
