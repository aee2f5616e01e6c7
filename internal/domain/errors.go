package domain

import "errors"

// Domain errors.
var (
	// ErrProbe is returned when the size of a video cannot be determined.
	ErrProbe = errors.New("file size probe failed")

	// ErrNegotiation is returned when a DMC session could not be created.
	ErrNegotiation = errors.New("session negotiation failed")

	// ErrTransfer is returned when a chunk did not receive its full byte range.
	ErrTransfer = errors.New("chunk transfer incomplete")

	// ErrHeartbeat is returned when a DMC keep-alive request fails.
	ErrHeartbeat = errors.New("session heartbeat failed")

	// ErrUnsupported is returned for videos with neither DMC nor Smile data.
	ErrUnsupported = errors.New("no supported delivery method")

	// ErrURLExpired is returned when the media URL is no longer authorized.
	ErrURLExpired = errors.New("video URL has expired")

	// ErrRateLimited is returned when rate limited by the platform.
	ErrRateLimited = errors.New("rate limited")

	// ErrFileSizeAlreadySet is returned when a probed size is recorded twice.
	ErrFileSizeAlreadySet = errors.New("file size already set")

	// ErrInvalidPlan is returned for impossible range partitions.
	ErrInvalidPlan = errors.New("invalid range plan")

	// ErrVideoNotFound is returned when a requested video has no metadata.
	ErrVideoNotFound = errors.New("video not found")
)

// Pipeline stages reported in VideoError.Op.
const (
	OpSelect    = "select"
	OpProbe     = "probe"
	OpNegotiate = "negotiate"
	OpDownload  = "download"
	OpCombine   = "combine"
)

// VideoError wraps an error with video context.
type VideoError struct {
	VideoID VideoID
	Op      string
	Err     error
}

func (e *VideoError) Error() string {
	if e.VideoID != "" {
		return e.Op + " [" + e.VideoID.String() + "]: " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *VideoError) Unwrap() error {
	return e.Err
}

// NewVideoError creates a new VideoError.
func NewVideoError(videoID VideoID, op string, err error) *VideoError {
	return &VideoError{
		VideoID: videoID,
		Op:      op,
		Err:     err,
	}
}

// StageOf returns the pipeline stage recorded in err, or "" if err carries none.
func StageOf(err error) string {
	var ve *VideoError
	if errors.As(err, &ve) {
		return ve.Op
	}
	return ""
}
