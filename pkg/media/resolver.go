package media

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// labelIDPrefix is how many characters of a device id are shown when the
// platform withholds the real label.
const labelIDPrefix = 8

// ProbeOutcome classifies the result of probing one microphone candidate.
type ProbeOutcome string

const (
	ProbeLive     ProbeOutcome = "live"
	ProbeMuted    ProbeOutcome = "muted"
	ProbeFailed   ProbeOutcome = "failed"
	ProbeFallback ProbeOutcome = "fallback"
)

// ResolverOption configures a [Resolver].
type ResolverOption func(*Resolver)

// WithLogger sets the logger used for probe diagnostics.
func WithLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.log = l
		}
	}
}

// WithProbeObserver registers fn to be called once per probed candidate.
// The fallback request reports [ProbeFallback] on success and
// [ProbeFailed] on failure.
func WithProbeObserver(fn func(deviceID string, outcome ProbeOutcome)) ResolverOption {
	return func(r *Resolver) { r.observe = fn }
}

// Resolver finds a working microphone. It probes candidates in a fixed
// order and returns the first stream whose track is not hardware-muted.
//
// All methods are safe for concurrent use.
type Resolver struct {
	devices Devices
	log     *slog.Logger
	observe func(string, ProbeOutcome)

	mu      sync.Mutex
	known   []CaptureDevice
	fetched bool
}

// NewResolver creates a Resolver over d.
func NewResolver(d Devices, opts ...ResolverOption) *Resolver {
	r := &Resolver{devices: d, log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Refresh re-reads the microphone list. It first opens and immediately
// releases a generic audio stream so that platforms which hide labels until
// permission is granted return populated labels. A failure of that request
// is logged and enumeration proceeds anyway.
//
// Devices without a label get one derived from a truncated device id.
func (r *Resolver) Refresh(ctx context.Context) ([]CaptureDevice, error) {
	s, err := r.devices.GetUserMedia(ctx, Constraints{Audio: &AudioConstraints{}})
	if err != nil {
		r.log.Warn("microphone permission request failed", "err", err)
	} else {
		StopStream(s)
	}

	all, err := r.devices.EnumerateDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("media: enumerate devices: %w", err)
	}

	mics := make([]CaptureDevice, 0, len(all))
	for _, d := range all {
		if d.Kind != KindAudio {
			continue
		}
		if d.Label == "" {
			d.Label = fallbackLabel(d.DeviceID)
		}
		mics = append(mics, d)
	}

	r.mu.Lock()
	r.known = mics
	r.fetched = true
	r.mu.Unlock()

	r.log.Debug("microphones refreshed", "count", len(mics))
	return slices.Clone(mics), nil
}

// Devices returns the microphone list from the last [Resolver.Refresh].
func (r *Resolver) Devices() []CaptureDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.known)
}

// Candidates returns the probing order for preferred: the preferred id (when
// set and not the default alias), then the default alias, then every known
// microphone, with duplicates removed keeping the first occurrence.
func (r *Resolver) Candidates(preferred string) []string {
	r.mu.Lock()
	known := slices.Clone(r.known)
	r.mu.Unlock()

	out := make([]string, 0, len(known)+2)
	seen := make(map[string]bool, len(known)+2)
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}

	if preferred != DefaultDeviceID {
		add(preferred)
	}
	add(DefaultDeviceID)
	for _, d := range known {
		add(d.DeviceID)
	}
	return out
}

// Resolve returns a capture stream from the first candidate whose audio
// track is not hardware-muted. Failed requests are logged and skipped.
// Rejected streams have their tracks stopped before the next candidate is
// tried.
//
// When every candidate is muted or fails, Resolve requests the unconstrained
// default device and returns whatever it obtains, even a muted stream. Only
// when that request fails too does it return [ErrNoMicrophone].
//
// The caller owns the returned stream.
func (r *Resolver) Resolve(ctx context.Context, preferred string) (Stream, error) {
	r.mu.Lock()
	fetched := r.fetched
	r.mu.Unlock()
	if !fetched {
		// No Refresh yet; use whatever the platform lists without labels.
		if all, err := r.devices.EnumerateDevices(ctx); err == nil {
			r.mu.Lock()
			if !r.fetched {
				r.known = filterAudio(all)
			}
			r.mu.Unlock()
		}
	}

	for _, id := range r.Candidates(preferred) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s, err := r.devices.GetUserMedia(ctx, Constraints{Audio: &AudioConstraints{
			DeviceID:         id,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		}})
		if err != nil {
			r.log.Warn("microphone candidate unavailable", "device_id", id, "err", err)
			r.report(id, ProbeFailed)
			continue
		}

		track := LiveAudioTrack(s)
		if track != nil && !track.Muted() {
			r.log.Info("microphone selected", "device_id", id, "label", track.Label())
			r.report(id, ProbeLive)
			return s, nil
		}

		r.log.Info("microphone candidate is muted", "device_id", id)
		r.report(id, ProbeMuted)
		StopStream(s)
	}

	r.log.Warn("all microphone candidates muted or unavailable, using default device")
	s, err := r.devices.GetUserMedia(ctx, Constraints{Audio: &AudioConstraints{}})
	if err != nil {
		r.report("", ProbeFailed)
		return nil, fmt.Errorf("%w: %w", ErrNoMicrophone, err)
	}
	r.report("", ProbeFallback)
	return s, nil
}

func (r *Resolver) report(id string, outcome ProbeOutcome) {
	if r.observe != nil {
		r.observe(id, outcome)
	}
}

func filterAudio(all []CaptureDevice) []CaptureDevice {
	out := make([]CaptureDevice, 0, len(all))
	for _, d := range all {
		if d.Kind == KindAudio {
			out = append(out, d)
		}
	}
	return out
}

func fallbackLabel(id string) string {
	if len(id) > labelIDPrefix {
		id = id[:labelIDPrefix]
	}
	return "Microphone " + id
}
