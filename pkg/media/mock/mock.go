// Package mock provides in-memory implementations of the [media.Devices],
// [media.Stream], [media.AudioTrack], and [media.VideoTrack] interfaces for
// use in unit tests.
//
// All mocks are safe for concurrent use. Devices records every
// GetUserMedia request and every stream it hands out so that tests can
// assert on probing order and on which tracks were stopped.
//
// Typical usage:
//
//	devs := &mock.Devices{List: []mock.Device{
//	    {ID: "a", Label: "Headset", Muted: true},
//	    {ID: "b", Label: "USB Mic"},
//	}}
//	r := media.NewResolver(devs)
//	s, err := r.Resolve(ctx, "")
//	track := s.AudioTracks()[0].(*mock.AudioTrack)
//	track.Push(make([]float32, 4096))
package mock

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/interviewkit/pkg/media"
)

var nextID atomic.Int64

func newID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, nextID.Add(1))
}

// ─── Devices ──────────────────────────────────────────────────────────────────

// Device describes one fake capture device.
type Device struct {
	// ID is the device id. Required.
	ID string

	// Label is the device label reported by enumeration.
	Label string

	// Kind defaults to [media.KindAudio].
	Kind media.Kind

	// Muted makes every audio track opened on this device hardware-muted.
	Muted bool

	// Err, if non-nil, is returned by GetUserMedia for this device.
	Err error

	// SampleRate of audio tracks. Defaults to 48000.
	SampleRate int

	// Frame is returned by video track snapshots. Defaults to a grey
	// 640x480 image.
	Frame image.Image
}

func (d Device) kind() media.Kind {
	if d.Kind == "" {
		return media.KindAudio
	}
	return d.Kind
}

// Devices is a mock implementation of [media.Devices].
// Set the exported fields before use; inspect the recorded fields after.
type Devices struct {
	mu sync.Mutex

	// List is the set of available devices, in enumeration order. The first
	// device of a kind is the platform default.
	List []Device

	// HideLabels makes EnumerateDevices return empty labels until at least
	// one GetUserMedia call has succeeded.
	HideLabels bool

	// EnumerateErr is returned by EnumerateDevices.
	EnumerateErr error

	// UnconstrainedErr is returned for audio requests without a device id.
	UnconstrainedErr error

	// Requests records every GetUserMedia call in order.
	Requests []media.Constraints

	// Streams records every stream handed out, in order.
	Streams []*Stream

	granted bool
}

// EnumerateDevices implements [media.Devices].
func (d *Devices) EnumerateDevices(_ context.Context) ([]media.CaptureDevice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.EnumerateErr != nil {
		return nil, d.EnumerateErr
	}
	out := make([]media.CaptureDevice, 0, len(d.List))
	for _, dev := range d.List {
		label := dev.Label
		if d.HideLabels && !d.granted {
			label = ""
		}
		out = append(out, media.CaptureDevice{DeviceID: dev.ID, Label: label, Kind: dev.kind()})
	}
	return out, nil
}

// GetUserMedia implements [media.Devices]. The default alias and empty ids
// map to the first device of the requested kind.
func (d *Devices) GetUserMedia(_ context.Context, c media.Constraints) (media.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Requests = append(d.Requests, c)

	s := &Stream{id: newID("stream")}

	if c.Audio != nil {
		if c.Audio.DeviceID == "" && d.UnconstrainedErr != nil {
			return nil, d.UnconstrainedErr
		}
		dev, err := d.find(media.KindAudio, c.Audio.DeviceID)
		if err != nil {
			return nil, err
		}
		s.audio = append(s.audio, NewAudioTrack(dev))
	}
	if c.Video != nil {
		dev, err := d.find(media.KindVideo, c.Video.DeviceID)
		if err != nil {
			return nil, err
		}
		s.video = append(s.video, NewVideoTrack(dev))
	}

	d.granted = true
	d.Streams = append(d.Streams, s)
	return s, nil
}

func (d *Devices) find(kind media.Kind, id string) (Device, error) {
	for _, dev := range d.List {
		if dev.kind() != kind {
			continue
		}
		if id == "" || id == media.DefaultDeviceID || id == dev.ID {
			if dev.Err != nil {
				return Device{}, dev.Err
			}
			return dev, nil
		}
	}
	return Device{}, fmt.Errorf("%w: %q", media.ErrNotFound, id)
}

// RequestedAudioIDs returns the audio device ids of all recorded requests.
func (d *Devices) RequestedAudioIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for _, c := range d.Requests {
		if c.Audio != nil {
			ids = append(ids, c.Audio.DeviceID)
		}
	}
	return ids
}

// StreamsSnapshot returns a copy of the recorded streams.
func (d *Devices) StreamsSnapshot() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.Streams)
}

var _ media.Devices = (*Devices)(nil)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [media.Stream].
type Stream struct {
	id    string
	audio []media.AudioTrack
	video []media.VideoTrack
}

// NewStream builds a stream from explicit tracks.
func NewStream(audio []*AudioTrack, video []*VideoTrack) *Stream {
	s := &Stream{id: newID("stream")}
	for _, t := range audio {
		s.audio = append(s.audio, t)
	}
	for _, t := range video {
		s.video = append(s.video, t)
	}
	return s
}

// ID implements [media.Stream].
func (s *Stream) ID() string { return s.id }

// AudioTracks implements [media.Stream].
func (s *Stream) AudioTracks() []media.AudioTrack { return s.audio }

// VideoTracks implements [media.Stream].
func (s *Stream) VideoTracks() []media.VideoTrack { return s.video }

// Audio returns the first audio track as its concrete type, or nil.
func (s *Stream) Audio() *AudioTrack {
	if len(s.audio) == 0 {
		return nil
	}
	return s.audio[0].(*AudioTrack)
}

// Video returns the first video track as its concrete type, or nil.
func (s *Stream) Video() *VideoTrack {
	if len(s.video) == 0 {
		return nil
	}
	return s.video[0].(*VideoTrack)
}

// Stopped reports whether every track in the stream has been stopped.
func (s *Stream) Stopped() bool {
	for _, t := range s.audio {
		if t.Live() {
			return false
		}
	}
	for _, t := range s.video {
		if t.Live() {
			return false
		}
	}
	return true
}

var _ media.Stream = (*Stream)(nil)

// ─── Tracks ───────────────────────────────────────────────────────────────────

// trackState is the lifecycle shared by both track kinds.
type trackState struct {
	id       string
	deviceID string
	label    string
	muted    atomic.Bool
	enabled  atomic.Bool
	stops    atomic.Int32
	done     chan struct{}
	stopOnce sync.Once
}

func (t *trackState) init(prefix string, dev Device) {
	t.id = newID(prefix)
	t.deviceID = dev.ID
	t.label = dev.Label
	t.done = make(chan struct{})
	t.enabled.Store(true)
}

func (t *trackState) ID() string         { return t.id }
func (t *trackState) DeviceID() string   { return t.deviceID }
func (t *trackState) Label() string      { return t.label }
func (t *trackState) Muted() bool        { return t.muted.Load() }
func (t *trackState) Enabled() bool      { return t.enabled.Load() }
func (t *trackState) SetEnabled(on bool) { t.enabled.Store(on) }
func (t *trackState) SetMuted(on bool)   { t.muted.Store(on) }

func (t *trackState) Live() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Stop implements [media.Track]. Every call is counted.
func (t *trackState) Stop() {
	t.stops.Add(1)
	t.stopOnce.Do(func() { close(t.done) })
}

// StopCount returns how many times Stop was called.
func (t *trackState) StopCount() int { return int(t.stops.Load()) }

// AudioTrack is a mock implementation of [media.AudioTrack]. Samples are
// delivered from buffers queued with [AudioTrack.Push].
type AudioTrack struct {
	trackState
	sampleRate int
	feed       chan []float32

	mu      sync.Mutex
	pending []float32
}

// NewAudioTrack creates an enabled audio track for dev.
func NewAudioTrack(dev Device) *AudioTrack {
	rate := dev.SampleRate
	if rate == 0 {
		rate = 48000
	}
	t := &AudioTrack{
		sampleRate: rate,
		feed:       make(chan []float32, 64),
	}
	t.init("audio", dev)
	t.muted.Store(dev.Muted)
	return t
}

// Kind implements [media.Track].
func (t *AudioTrack) Kind() media.Kind { return media.KindAudio }

// SampleRate implements [media.AudioTrack].
func (t *AudioTrack) SampleRate() int { return t.sampleRate }

// Push queues samples for ReadSamples. It does not block unless 64 buffers
// are already queued.
func (t *AudioTrack) Push(samples []float32) {
	t.feed <- slices.Clone(samples)
}

// ReadSamples implements [media.AudioTrack]. It returns as soon as any
// queued samples are available; reads may be shorter than len(buf).
// Disabled or muted tracks deliver zeros.
func (t *AudioTrack) ReadSamples(ctx context.Context, buf []float32) (int, error) {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-t.done:
			return 0, media.ErrTrackStopped
		case next := <-t.feed:
			t.mu.Lock()
			t.pending = next
		}
	}
	n := copy(buf, t.pending)
	t.pending = t.pending[n:]
	t.mu.Unlock()

	if !t.Enabled() || t.Muted() {
		clear(buf[:n])
	}
	return n, nil
}

var _ media.AudioTrack = (*AudioTrack)(nil)

// VideoTrack is a mock implementation of [media.VideoTrack]. It reports
// ready once [VideoTrack.SetReady] has been called with true.
type VideoTrack struct {
	trackState
	frame     image.Image
	ready     atomic.Bool
	snapshots atomic.Int32
}

// NewVideoTrack creates an enabled, not-yet-ready video track for dev.
func NewVideoTrack(dev Device) *VideoTrack {
	frame := dev.Frame
	if frame == nil {
		img := image.NewRGBA(image.Rect(0, 0, 640, 480))
		draw.Draw(img, img.Bounds(), &image.Uniform{C: color.Gray{Y: 128}}, image.Point{}, draw.Src)
		frame = img
	}
	t := &VideoTrack{frame: frame}
	t.init("video", dev)
	return t
}

// Kind implements [media.Track].
func (t *VideoTrack) Kind() media.Kind { return media.KindVideo }

// SetReady controls what Ready reports.
func (t *VideoTrack) SetReady(ready bool) { t.ready.Store(ready) }

// Ready implements [media.FrameSource].
func (t *VideoTrack) Ready() bool { return t.ready.Load() && t.Live() }

// Snapshot implements [media.FrameSource].
func (t *VideoTrack) Snapshot() (image.Image, error) {
	if !t.Live() {
		return nil, media.ErrTrackStopped
	}
	t.snapshots.Add(1)
	return t.frame, nil
}

// SnapshotCount returns how many frames were taken.
func (t *VideoTrack) SnapshotCount() int { return int(t.snapshots.Load()) }

var _ media.VideoTrack = (*VideoTrack)(nil)
