// Package interview drives one interview attempt. An [Orchestrator] owns the
// camera and microphone stream shared by the preview and both capture
// sessions, runs one speech session per question, runs a single non-verbal
// session across the whole interview, and produces the [Result] handed to the
// results view.
package interview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/interviewkit/internal/nonverbal"
	"github.com/MrWong99/interviewkit/internal/observe"
	"github.com/MrWong99/interviewkit/internal/speech"
	"github.com/MrWong99/interviewkit/pkg/media"
)

var (
	// ErrNotMounted is returned by operations on an orchestrator that is not
	// mounted, including one unmounted while an operation was suspended.
	ErrNotMounted = errors.New("interview: not mounted")

	// ErrFinished is returned once the interview has completed or ended.
	ErrFinished = errors.New("interview: already finished")

	// ErrNoCamera is returned when the shared stream has no live video track.
	ErrNoCamera = errors.New("interview: no camera")

	// ErrNoQuestions is returned by [New] for an empty question list.
	ErrNoQuestions = errors.New("interview: no questions")
)

// Config configures an [Orchestrator].
type Config struct {
	// Questions are asked in order. At least one is required.
	Questions []string

	// Devices is the capture platform. Required.
	Devices media.Devices

	// SpeechBaseURL and NonVerbalBaseURL are the http(s) bases of the two
	// analysis backends.
	SpeechBaseURL    string
	NonVerbalBaseURL string

	// PreferredMicrophone is the device id tried first.
	PreferredMicrophone string

	// FrameInterval overrides the non-verbal capture period. Zero uses
	// [nonverbal.FrameInterval].
	FrameInterval time.Duration

	// NewSessionID generates the interview session id. Nil uses
	// [uuid.NewString].
	NewSessionID func() string

	// OnSpeech and OnVideo receive every snapshot of the current speech
	// session and of the non-verbal session. They must not block.
	OnSpeech func(speech.Snapshot)
	OnVideo  func(nonverbal.Snapshot)

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Snapshot is an immutable view of an [Orchestrator].
type Snapshot struct {
	Mounted   bool
	Finished  bool
	SessionID string

	// Index is the zero-based current question.
	Index    int
	Question string

	MicOn   bool
	VideoOn bool

	// DeviceID is the microphone of the shared stream, if any.
	DeviceID string

	// Answer is the confirmed transcript of the current question so far,
	// including text captured before the microphone was last turned off.
	Answer string

	Speech speech.Snapshot
	Video  nonverbal.Snapshot
}

// Orchestrator coordinates one interview attempt.
//
// All methods are safe for concurrent use. Mount and every other operation
// that suspends capture the mount generation first and discard their result
// when it changed in the meantime.
type Orchestrator struct {
	cfg       Config
	log       *slog.Logger
	metrics   *observe.Metrics
	resolver  *media.Resolver
	speechAPI *speech.Client
	videoAPI  *nonverbal.Client

	mu        sync.Mutex
	gen       uint64
	mounted   bool
	finished  bool
	mounting  bool
	sessionID string
	stream    *media.Handle
	index     int
	micOn     bool
	videoOn   bool
	speech    *speech.Session
	parked    []*speech.Session // stopped by a microphone toggle on this question
	video     *nonverbal.Session
	answers   []Answer
	pending   sync.WaitGroup
}

// New validates cfg and creates an unmounted orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if len(cfg.Questions) == 0 {
		return nil, ErrNoQuestions
	}
	if cfg.Devices == nil {
		return nil, errors.New("interview: devices are required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	if cfg.NewSessionID == nil {
		cfg.NewSessionID = uuid.NewString
	}

	speechAPI, err := speech.NewClient(cfg.SpeechBaseURL, speech.WithClientLogger(log), speech.WithClientMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("interview: speech backend: %w", err)
	}
	videoAPI, err := nonverbal.NewClient(cfg.NonVerbalBaseURL, nonverbal.WithClientLogger(log), nonverbal.WithClientMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("interview: non-verbal backend: %w", err)
	}

	o := &Orchestrator{
		cfg:       cfg,
		log:       log,
		metrics:   m,
		speechAPI: speechAPI,
		videoAPI:  videoAPI,
	}
	o.resolver = media.NewResolver(cfg.Devices,
		media.WithLogger(log),
		media.WithProbeObserver(func(_ string, outcome media.ProbeOutcome) {
			m.RecordDeviceProbe(context.Background(), string(outcome))
		}),
	)
	return o, nil
}

// Resolver returns the microphone resolver used by speech sessions.
func (o *Orchestrator) Resolver() *media.Resolver { return o.resolver }

// Mount starts a new interview attempt: it refreshes the microphone list,
// acquires the shared camera and microphone stream, and generates a session
// id. Mount is a no-op on a mounted orchestrator.
//
// A missing camera or microphone is not fatal. Mount falls back to an
// audio-only stream and then to no shared stream at all, in which case each
// speech session resolves its own microphone.
func (o *Orchestrator) Mount(ctx context.Context) error {
	o.mu.Lock()
	if o.mounted || o.mounting {
		o.mu.Unlock()
		return nil
	}
	o.mounting = true
	o.gen++
	gen := o.gen
	o.mu.Unlock()

	if _, err := o.resolver.Refresh(ctx); err != nil {
		o.log.Warn("device refresh failed", "err", err)
	}
	stream := o.acquire(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen {
		media.StopStream(stream)
		return ErrNotMounted
	}
	if err := ctx.Err(); err != nil {
		o.mounting = false
		media.StopStream(stream)
		return err
	}
	o.mounting = false
	o.mounted = true
	o.finished = false
	o.sessionID = o.cfg.NewSessionID()
	o.stream = media.Own(stream)
	o.index = 0
	o.micOn = false
	o.videoOn = media.LiveVideoTrack(stream) != nil
	o.answers = nil
	o.speech = nil
	o.parked = nil
	o.video = nil

	// The microphone stays off until the candidate turns it on.
	if t := media.LiveAudioTrack(stream); t != nil {
		t.SetEnabled(false)
	}
	o.log.Info("interview mounted", "session_id", o.sessionID,
		"camera", o.videoOn, "microphone", media.LiveAudioTrack(stream) != nil)
	return nil
}

func (o *Orchestrator) acquire(ctx context.Context) media.Stream {
	audio := &media.AudioConstraints{
		DeviceID:         o.cfg.PreferredMicrophone,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
	s, err := o.cfg.Devices.GetUserMedia(ctx, media.Constraints{
		Audio: audio,
		Video: &media.VideoConstraints{Width: 640, Height: 480},
	})
	if err == nil {
		return s
	}
	o.log.Warn("camera and microphone unavailable, trying microphone only", "err", err)

	s, err = o.cfg.Devices.GetUserMedia(ctx, media.Constraints{Audio: audio})
	if err == nil {
		return s
	}
	o.log.Warn("no shared capture stream, speech sessions will resolve their own microphone", "err", err)
	return nil
}

// Unmount tears every session and the shared stream down. It is idempotent.
func (o *Orchestrator) Unmount() {
	o.mu.Lock()
	o.gen++
	o.mounting = false
	wasMounted := o.mounted
	o.mounted = false
	sp, vid, handle := o.detachLocked()
	o.mu.Unlock()

	stopAll(sp, vid, handle)
	if wasMounted {
		o.log.Info("interview unmounted")
	}
}

// detachLocked clears the media fields and returns them for release outside
// the lock.
func (o *Orchestrator) detachLocked() (*speech.Session, *nonverbal.Session, *media.Handle) {
	sp, vid, handle := o.speech, o.video, o.stream
	o.speech, o.stream = nil, nil
	o.parked = nil
	o.micOn, o.videoOn = false, false
	return sp, vid, handle
}

func stopAll(sp *speech.Session, vid *nonverbal.Session, handle *media.Handle) {
	if sp != nil {
		sp.Stop()
	}
	if vid != nil {
		vid.Stop()
	}
	handle.Release()
}

// ToggleVideo enables or disables the shared camera track without releasing
// it, and returns the new state.
func (o *Orchestrator) ToggleVideo() (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.usableLocked(); err != nil {
		return false, err
	}
	track := media.LiveVideoTrack(o.stream.Stream())
	if track == nil {
		return false, ErrNoCamera
	}
	o.videoOn = !o.videoOn
	track.SetEnabled(o.videoOn)
	o.log.Debug("camera toggled", "enabled", o.videoOn)
	return o.videoOn, nil
}

// ToggleMicrophone turns the microphone on or off and returns the new state.
// Turning it on enables the shared audio track and starts a speech session
// for the current question; turning it off stops that session. Text the
// stopped session confirmed stays part of the current answer until the
// question changes.
func (o *Orchestrator) ToggleMicrophone(ctx context.Context) (bool, error) {
	o.mu.Lock()
	if err := o.usableLocked(); err != nil {
		o.mu.Unlock()
		return false, err
	}

	if o.micOn {
		sp := o.speech
		o.micOn = false
		o.speech = nil
		if sp != nil {
			o.parked = append(o.parked, sp)
		}
		if t := media.LiveAudioTrack(o.stream.Stream()); t != nil {
			t.SetEnabled(false)
		}
		o.mu.Unlock()
		if sp != nil {
			sp.Stop()
		}
		return false, nil
	}

	shared := o.stream.Stream()
	if t := media.LiveAudioTrack(shared); t != nil {
		t.SetEnabled(true)
	}
	sp := speech.NewSession(speech.Config{
		BaseURL:           o.speechAPI.BaseURL(),
		SessionID:         o.sessionID,
		QuestionID:        questionID(o.index),
		Stream:            shared,
		Resolver:          o.resolver,
		PreferredDeviceID: o.cfg.PreferredMicrophone,
		Logger:            o.log,
		Metrics:           o.metrics,
		OnChange:          o.cfg.OnSpeech,
	})
	o.speech = sp
	o.micOn = true
	gen := o.gen
	o.mu.Unlock()

	err := sp.Start(ctx)

	o.mu.Lock()
	if o.gen != gen || o.speech != sp {
		// Unmounted, advanced, or toggled off while connecting.
		unmounted, on := o.gen != gen, o.micOn
		o.mu.Unlock()
		sp.Stop()
		if unmounted {
			return false, ErrNotMounted
		}
		return on, nil
	}
	if err != nil {
		o.speech = nil
		o.micOn = false
		if t := media.LiveAudioTrack(shared); t != nil {
			t.SetEnabled(false)
		}
		o.mu.Unlock()
		return false, fmt.Errorf("interview: microphone: %w", err)
	}
	o.mu.Unlock()
	return true, nil
}

// StartAnalysis starts non-verbal capture from the shared camera. It is a
// no-op while analysis is already running.
func (o *Orchestrator) StartAnalysis(ctx context.Context) error {
	o.mu.Lock()
	if err := o.usableLocked(); err != nil {
		o.mu.Unlock()
		return err
	}
	track := media.LiveVideoTrack(o.stream.Stream())
	if track == nil {
		o.mu.Unlock()
		return ErrNoCamera
	}
	if o.video == nil {
		o.video = nonverbal.NewSession(nonverbal.Config{
			BaseURL:   o.videoAPI.BaseURL(),
			SessionID: o.sessionID,
			Interval:  o.cfg.FrameInterval,
			Client:    o.videoAPI,
			Logger:    o.log,
			Metrics:   o.metrics,
			OnChange:  o.cfg.OnVideo,
		})
	}
	vid := o.video
	gen := o.gen
	o.mu.Unlock()

	if err := vid.Start(ctx, track); err != nil {
		return fmt.Errorf("interview: analysis: %w", err)
	}

	o.mu.Lock()
	stale := o.gen != gen
	o.mu.Unlock()
	if stale {
		vid.Stop()
		return ErrNotMounted
	}
	return nil
}

// NextQuestion stops the current answer, records it, and advances. On the
// last question it finishes the interview and returns the [Result];
// otherwise the result is nil.
//
// A non-empty answer is submitted to the speech backend in the background.
// A failed submission is logged and never blocks advancing.
func (o *Orchestrator) NextQuestion(ctx context.Context) (*Result, error) {
	o.mu.Lock()
	if err := o.usableLocked(); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	sessions := o.takeSpeechLocked()
	o.micOn = false
	if t := media.LiveAudioTrack(o.stream.Stream()); t != nil {
		t.SetEnabled(false)
	}
	o.mu.Unlock()

	text := stopAndCollect(sessions)

	o.mu.Lock()
	if err := o.usableLocked(); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	o.recordLocked(text)
	last := o.index >= len(o.cfg.Questions)-1
	if !last {
		o.index++
		o.log.Info("next question", "index", o.index)
		o.mu.Unlock()
		return nil, nil
	}
	o.mu.Unlock()
	return o.finish(ctx, ReasonCompleted)
}

// EndInterview tears all media down regardless of the current question and
// returns the [Result].
func (o *Orchestrator) EndInterview(ctx context.Context) (*Result, error) {
	o.mu.Lock()
	if err := o.usableLocked(); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	sessions := o.takeSpeechLocked()
	o.mu.Unlock()

	if text := stopAndCollect(sessions); text != "" {
		o.mu.Lock()
		o.recordLocked(text)
		o.mu.Unlock()
	}
	return o.finish(ctx, ReasonEnded)
}

// takeSpeechLocked detaches every speech session of the current question,
// oldest first.
func (o *Orchestrator) takeSpeechLocked() []*speech.Session {
	sessions := o.parked
	if o.speech != nil {
		sessions = append(sessions, o.speech)
	}
	o.parked, o.speech = nil, nil
	return sessions
}

// stopAndCollect stops sessions and joins their confirmed text.
func stopAndCollect(sessions []*speech.Session) string {
	parts := make([]string, 0, len(sessions))
	for _, sp := range sessions {
		sp.Stop()
		if t := sp.Snapshot().FinalText; t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// recordLocked stores the answer to the current question and submits it.
func (o *Orchestrator) recordLocked(text string) {
	if text == "" {
		return
	}
	idx := len(o.answers)
	o.answers = append(o.answers, Answer{
		QuestionID:    questionID(o.index),
		Question:      o.cfg.Questions[o.index],
		RawTranscript: text,
	})
	sessionID, qid := o.sessionID, questionID(o.index)
	gen := o.gen

	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		ans, err := o.speechAPI.SubmitAnswer(context.Background(), sessionID, qid, text)
		if err != nil {
			return
		}
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.gen != gen || idx >= len(o.answers) {
			return
		}
		o.answers[idx].CleanTranscript = ans.CleanTranscript
		o.answers[idx].WordCount = ans.WordCount
	}()
}

// finish tears media down and gathers the final analyses in parallel.
func (o *Orchestrator) finish(ctx context.Context, reason string) (*Result, error) {
	o.mu.Lock()
	if err := o.usableLocked(); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	o.finished = true
	sp, vid, handle := o.detachLocked()
	sessionID := o.sessionID
	o.mu.Unlock()

	stopAll(sp, vid, handle)
	o.log.Info("interview finished", "reason", reason)

	ctx, span := observe.StartCaptureSpan(ctx, "interview.finish", sessionID, "")
	defer span.End()

	o.pending.Wait()

	res := &Result{
		SessionID: sessionID,
		Reason:    reason,
		Questions: len(o.cfg.Questions),
	}
	var eg errgroup.Group
	eg.Go(func() error {
		a, err := o.speechAPI.AnalyzeSession(ctx, sessionID)
		if err == nil {
			res.Verbal = a
		}
		return nil
	})
	eg.Go(func() error {
		if vid != nil {
			res.NonVerbal = vid.Analysis(ctx)
			return nil
		}
		a, err := o.videoAPI.AnalyzeSession(ctx, sessionID)
		if err == nil {
			res.NonVerbal = a
		}
		return nil
	})
	_ = eg.Wait()

	o.mu.Lock()
	res.Answers = append([]Answer(nil), o.answers...)
	o.mu.Unlock()
	if vid != nil {
		res.FramesSent = vid.Snapshot().FrameCount
	}
	return res, nil
}

// usableLocked reports why the orchestrator cannot accept an operation.
func (o *Orchestrator) usableLocked() error {
	if !o.mounted {
		return ErrNotMounted
	}
	if o.finished {
		return ErrFinished
	}
	return nil
}

// Snapshot returns the current view.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := Snapshot{
		Mounted:   o.mounted,
		Finished:  o.finished,
		SessionID: o.sessionID,
		Index:     o.index,
		MicOn:     o.micOn,
		VideoOn:   o.videoOn,
	}
	if o.index < len(o.cfg.Questions) {
		snap.Question = o.cfg.Questions[o.index]
	}
	if t := media.LiveAudioTrack(o.stream.Stream()); t != nil {
		snap.DeviceID = t.DeviceID()
	}
	parts := make([]string, 0, len(o.parked)+1)
	for _, sp := range o.parked {
		if t := sp.Snapshot().FinalText; t != "" {
			parts = append(parts, t)
		}
	}
	if o.speech != nil {
		snap.Speech = o.speech.Snapshot()
		if snap.Speech.FinalText != "" {
			parts = append(parts, snap.Speech.FinalText)
		}
	}
	snap.Answer = strings.Join(parts, " ")
	if o.video != nil {
		snap.Video = o.video.Snapshot()
	}
	return snap
}

// Answers returns the answers recorded so far.
func (o *Orchestrator) Answers() []Answer {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Answer(nil), o.answers...)
}

func questionID(index int) string {
	return fmt.Sprintf("q%d", index+1)
}
