// Package media defines the capture-device abstractions used by the
// interview client: devices are enumerated through [Devices], opened as a
// [Stream], and consumed through per-kind [AudioTrack] and [VideoTrack]
// values.
//
// The interfaces are intentionally narrow. Platform adapters (a browser
// bridge, a native capture library, or the file-backed devices in
// media/filedev) implement them; everything above this package only speaks
// in terms of streams, tracks, and their mute/enable/stop lifecycle.
//
// Ownership of a stream is explicit: the party that called
// [Devices.GetUserMedia] owns the hardware tracks and is the only one allowed
// to stop them. Other holders receive a borrowed [Handle].
package media

import (
	"context"
	"errors"
	"image"
)

// DefaultDeviceID is the platform alias for the system default device.
const DefaultDeviceID = "default"

// Kind classifies a capture device or track.
type Kind string

const (
	KindAudio Kind = "audioinput"
	KindVideo Kind = "videoinput"
)

var (
	// ErrNotAllowed is returned when the user or platform denies access to
	// a capture device.
	ErrNotAllowed = errors.New("media: permission denied")

	// ErrNotFound is returned when a requested device id does not exist,
	// including devices removed after enumeration.
	ErrNotFound = errors.New("media: device not found")

	// ErrNoMicrophone is returned by [Resolver.Resolve] when no candidate,
	// including the unconstrained fallback, produced a capture stream.
	ErrNoMicrophone = errors.New("media: no usable microphone")

	// ErrTrackStopped is returned by track reads after Stop.
	ErrTrackStopped = errors.New("media: track stopped")
)

// CaptureDevice describes one enumerated input device.
type CaptureDevice struct {
	// DeviceID is the platform identifier used in constraints.
	DeviceID string

	// Label is the human-readable device name. It is empty on platforms that
	// withhold labels until capture permission has been granted once.
	Label string

	// Kind is the device type.
	Kind Kind
}

// AudioConstraints selects and configures a microphone.
type AudioConstraints struct {
	// DeviceID requests an exact device. Empty means any device.
	DeviceID string

	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// VideoConstraints selects and configures a camera.
type VideoConstraints struct {
	// DeviceID requests an exact device. Empty means any device.
	DeviceID string

	// Width and Height are ideal capture dimensions; zero lets the platform
	// choose.
	Width  int
	Height int
}

// Constraints is the request passed to [Devices.GetUserMedia]. A nil field
// disables that media kind.
type Constraints struct {
	Audio *AudioConstraints
	Video *VideoConstraints
}

// Track is the lifecycle surface shared by audio and video tracks.
//
// Implementations must be safe for concurrent use.
type Track interface {
	// ID is unique per track instance.
	ID() string

	// Kind reports whether this is an audio or video track.
	Kind() Kind

	// DeviceID names the device the track captures from.
	DeviceID() string

	// Label is the device label at the time the track was opened.
	Label() string

	// Muted reports the hardware mute flag: the platform is delivering
	// silence regardless of the application's enable state.
	Muted() bool

	// Enabled reports the application-level enable flag.
	Enabled() bool

	// SetEnabled toggles the application-level enable flag. A disabled
	// audio track delivers silence; a disabled video track delivers black
	// frames. Neither releases the device.
	SetEnabled(enabled bool)

	// Live reports whether the track has not been stopped.
	Live() bool

	// Stop releases the underlying hardware capture handle. Stop is
	// idempotent.
	Stop()
}

// AudioTrack is a microphone track delivering mono float samples in
// [-1, 1] at the device's native rate.
type AudioTrack interface {
	Track

	// SampleRate is the native capture rate in Hz.
	SampleRate() int

	// ReadSamples blocks until captured samples are available, ctx is done,
	// or the track is stopped, then copies up to len(buf) samples into buf
	// and returns how many were written. Reads may be short. Disabled and
	// muted tracks deliver zeros. After Stop it returns [ErrTrackStopped].
	ReadSamples(ctx context.Context, buf []float32) (int, error)
}

// FrameSource is anything a video frame can be sampled from.
type FrameSource interface {
	// Ready reports whether a frame can be drawn right now. Sources that
	// have not buffered a frame yet return false.
	Ready() bool

	// Snapshot returns the current frame.
	Snapshot() (image.Image, error)
}

// VideoTrack is a camera track.
type VideoTrack interface {
	Track
	FrameSource
}

// Stream groups the tracks returned by one [Devices.GetUserMedia] call.
type Stream interface {
	// ID is unique per stream instance.
	ID() string
	AudioTracks() []AudioTrack
	VideoTracks() []VideoTrack
}

// Devices is the platform entry point for capture hardware.
//
// Implementations must be safe for concurrent use.
type Devices interface {
	// EnumerateDevices lists the available capture devices. Labels may be
	// empty until a stream has been granted once.
	EnumerateDevices(ctx context.Context) ([]CaptureDevice, error)

	// GetUserMedia opens a new stream satisfying c. The caller owns the
	// returned stream and must stop its tracks when done.
	GetUserMedia(ctx context.Context, c Constraints) (Stream, error)
}

// StopStream stops every track in s. A nil stream is a no-op.
func StopStream(s Stream) {
	if s == nil {
		return
	}
	for _, t := range s.AudioTracks() {
		t.Stop()
	}
	for _, t := range s.VideoTracks() {
		t.Stop()
	}
}

// LiveAudioTrack returns the first audio track of s that has not been
// stopped, or nil.
func LiveAudioTrack(s Stream) AudioTrack {
	if s == nil {
		return nil
	}
	for _, t := range s.AudioTracks() {
		if t.Live() {
			return t
		}
	}
	return nil
}

// LiveVideoTrack returns the first video track of s that has not been
// stopped, or nil.
func LiveVideoTrack(s Stream) VideoTrack {
	if s == nil {
		return nil
	}
	for _, t := range s.VideoTracks() {
		if t.Live() {
			return t
		}
	}
	return nil
}
