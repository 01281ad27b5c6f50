// Package filedev implements [media.Devices] on top of local files: each
// microphone plays a WAV clip in real time and the camera cycles through a
// directory of JPEG/PNG images.
//
// It lets the capture pipeline run end to end on a machine without
// capture hardware, for rehearsals, demos, and integration tests.
package filedev

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/interviewkit/pkg/media"
)

// DefaultFPS is the camera rate used when [Camera.FPS] is zero.
const DefaultFPS = 15

// Microphone configures one WAV-backed microphone.
type Microphone struct {
	ID    string
	Label string

	// File is the WAV clip played by the microphone. Playback is paced in
	// real time; after the clip ends the microphone delivers silence.
	File string

	// Muted makes every track on this microphone hardware-muted.
	Muted bool
}

// Camera configures the image-directory camera.
type Camera struct {
	ID    string
	Label string

	// FramesDir holds the frames, played in lexical file-name order and
	// looped.
	FramesDir string

	// FPS is the frame advance rate.
	FPS int
}

// Devices is a file-backed [media.Devices]. Clips and frames are loaded on
// first use and cached.
type Devices struct {
	mics   []Microphone
	camera *Camera

	mu     sync.Mutex
	clips  map[string]Clip
	frames []image.Image
}

// New creates Devices for the given microphones and optional camera.
func New(mics []Microphone, camera *Camera) *Devices {
	return &Devices{
		mics:   slices.Clone(mics),
		camera: camera,
		clips:  make(map[string]Clip),
	}
}

// EnumerateDevices implements [media.Devices].
func (d *Devices) EnumerateDevices(_ context.Context) ([]media.CaptureDevice, error) {
	out := make([]media.CaptureDevice, 0, len(d.mics)+1)
	for _, m := range d.mics {
		out = append(out, media.CaptureDevice{DeviceID: m.ID, Label: m.Label, Kind: media.KindAudio})
	}
	if d.camera != nil {
		out = append(out, media.CaptureDevice{DeviceID: d.camera.ID, Label: d.camera.Label, Kind: media.KindVideo})
	}
	return out, nil
}

// GetUserMedia implements [media.Devices]. Empty ids and the default alias
// select the first configured microphone.
func (d *Devices) GetUserMedia(ctx context.Context, c media.Constraints) (media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &stream{id: newID("stream")}

	if c.Audio != nil {
		mic, err := d.findMic(c.Audio.DeviceID)
		if err != nil {
			return nil, err
		}
		clip, err := d.clip(mic.File)
		if err != nil {
			return nil, err
		}
		s.audio = append(s.audio, newAudioTrack(mic, clip))
	}
	if c.Video != nil {
		if d.camera == nil || !matches(c.Video.DeviceID, d.camera.ID) {
			media.StopStream(s)
			return nil, fmt.Errorf("%w: camera %q", media.ErrNotFound, c.Video.DeviceID)
		}
		frames, err := d.loadFrames()
		if err != nil {
			media.StopStream(s)
			return nil, err
		}
		fps := d.camera.FPS
		if fps <= 0 {
			fps = DefaultFPS
		}
		s.video = append(s.video, newVideoTrack(*d.camera, frames, fps))
	}
	return s, nil
}

func matches(requested, id string) bool {
	return requested == "" || requested == media.DefaultDeviceID || requested == id
}

func (d *Devices) findMic(id string) (Microphone, error) {
	for _, m := range d.mics {
		if matches(id, m.ID) {
			return m, nil
		}
	}
	return Microphone{}, fmt.Errorf("%w: microphone %q", media.ErrNotFound, id)
}

func (d *Devices) clip(path string) (Clip, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clips[path]; ok {
		return c, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, fmt.Errorf("filedev: open clip: %w", err)
	}
	defer f.Close()
	c, err := ReadWAV(f)
	if err != nil {
		return Clip{}, fmt.Errorf("filedev: %s: %w", path, err)
	}
	d.clips[path] = c
	return c, nil
}

func (d *Devices) loadFrames() ([]image.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frames != nil {
		return d.frames, nil
	}
	frames, err := LoadFrames(d.camera.FramesDir)
	if err != nil {
		return nil, err
	}
	d.frames = frames
	return frames, nil
}

// LoadFrames decodes every .jpg, .jpeg and .png file in dir, sorted by name.
func LoadFrames(dir string) ([]image.Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("filedev: read frames dir: %w", err)
	}
	var frames []image.Image
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
		default:
			continue
		}
		img, err := decodeImage(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		frames = append(frames, img)
	}
	return frames, nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("filedev: open frame: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("filedev: decode %s: %w", path, err)
	}
	return img, nil
}

var _ media.Devices = (*Devices)(nil)

var idSeq atomic.Int64

func newID(prefix string) string {
	return fmt.Sprintf("file-%s-%d", prefix, idSeq.Add(1))
}

type stream struct {
	id    string
	audio []media.AudioTrack
	video []media.VideoTrack
}

func (s *stream) ID() string                     { return s.id }
func (s *stream) AudioTracks() []media.AudioTrack { return s.audio }
func (s *stream) VideoTracks() []media.VideoTrack { return s.video }

type lifecycle struct {
	id       string
	deviceID string
	label    string
	muted    bool
	enabled  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

func (l *lifecycle) init(prefix, deviceID, label string, muted bool) {
	l.id = newID(prefix)
	l.deviceID = deviceID
	l.label = label
	l.muted = muted
	l.done = make(chan struct{})
	l.enabled.Store(true)
}

func (l *lifecycle) ID() string         { return l.id }
func (l *lifecycle) DeviceID() string   { return l.deviceID }
func (l *lifecycle) Label() string      { return l.label }
func (l *lifecycle) Muted() bool        { return l.muted }
func (l *lifecycle) Enabled() bool      { return l.enabled.Load() }
func (l *lifecycle) SetEnabled(on bool) { l.enabled.Store(on) }
func (l *lifecycle) Stop()              { l.stopOnce.Do(func() { close(l.done) }) }

func (l *lifecycle) Live() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// audioTrack plays a clip at wall-clock speed. The n-th sample becomes
// readable at start + n/rate.
type audioTrack struct {
	lifecycle
	clip Clip

	mu        sync.Mutex
	start     time.Time
	delivered int
}

func newAudioTrack(m Microphone, c Clip) *audioTrack {
	t := &audioTrack{clip: c}
	t.init("audio", m.ID, m.Label, m.Muted)
	return t
}

func (t *audioTrack) Kind() media.Kind { return media.KindAudio }
func (t *audioTrack) SampleRate() int  { return t.clip.SampleRate }

func (t *audioTrack) ReadSamples(ctx context.Context, buf []float32) (int, error) {
	if !t.Live() {
		return 0, media.ErrTrackStopped
	}
	if len(buf) == 0 {
		return 0, nil
	}

	t.mu.Lock()
	if t.start.IsZero() {
		t.start = time.Now()
	}
	from := t.delivered
	n := len(buf)
	ready := t.start.Add(time.Duration(from+n) * time.Second / time.Duration(t.clip.SampleRate))
	t.delivered += n
	t.mu.Unlock()

	if wait := time.Until(ready); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-t.done:
			return 0, media.ErrTrackStopped
		case <-timer.C:
		}
	}

	clear(buf[:n])
	if t.muted || !t.Enabled() || from >= len(t.clip.Samples) {
		return n, nil
	}
	copy(buf[:n], t.clip.Samples[from:])
	return n, nil
}

// videoTrack cycles through frames at fps from the moment it was opened.
type videoTrack struct {
	lifecycle
	frames []image.Image
	fps    int
	opened time.Time
	black  image.Image
}

func newVideoTrack(c Camera, frames []image.Image, fps int) *videoTrack {
	t := &videoTrack{frames: frames, fps: fps, opened: time.Now()}
	if len(frames) > 0 {
		t.black = image.NewGray(frames[0].Bounds())
	}
	t.init("video", c.ID, c.Label, false)
	return t
}

func (t *videoTrack) Kind() media.Kind { return media.KindVideo }

func (t *videoTrack) Ready() bool { return t.Live() && len(t.frames) > 0 }

func (t *videoTrack) Snapshot() (image.Image, error) {
	if !t.Live() {
		return nil, media.ErrTrackStopped
	}
	if len(t.frames) == 0 {
		return nil, fmt.Errorf("filedev: camera %q has no frames", t.deviceID)
	}
	if !t.Enabled() {
		return t.black, nil
	}
	idx := int(time.Since(t.opened)*time.Duration(t.fps)/time.Second) % len(t.frames)
	return t.frames[idx], nil
}
