package media

import "errors"

// Failure taxonomy shared by every stage. Callers match with errors.Is; the
// stages wrap these with the detail of what failed.
var (
	// ErrPermissionDenied is returned when the audio tap or the camera is
	// unavailable or access was refused. Nothing is left on disk.
	ErrPermissionDenied = errors.New("capture source unavailable or access denied")

	// ErrAllocation is returned synchronously when an output container or
	// writer cannot be constructed.
	ErrAllocation = errors.New("output allocation failed")

	// ErrEmptyCapture is returned when zero samples or frames were appended.
	// The clip is discarded without finalization.
	ErrEmptyCapture = errors.New("no samples captured")

	// ErrFinalize is returned when a writer ends in any status other than
	// completed. The output is withheld.
	ErrFinalize = errors.New("container finalization failed")

	// ErrSourceMissing is returned when the still has no pixel data or the
	// audio source cannot be read.
	ErrSourceMissing = errors.New("media source missing")

	// ErrBusy is returned when a capture is requested while another is in flight.
	ErrBusy = errors.New("capture already in progress")

	// ErrNotReady is returned when a track input did not become ready before
	// the append deadline.
	ErrNotReady = errors.New("track input not ready")

	// ErrTimestamp is returned for samples that break a track's monotonic
	// timeline.
	ErrTimestamp = errors.New("non-monotonic presentation timestamp")
)
