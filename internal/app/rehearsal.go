package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/interviewkit/internal/config"
	"github.com/MrWong99/interviewkit/internal/interview"
	"github.com/MrWong99/interviewkit/internal/observe"
	"github.com/MrWong99/interviewkit/internal/speech"
	"github.com/MrWong99/interviewkit/pkg/media"
)

// endTimeout bounds the final analyses of an interrupted rehearsal.
const endTimeout = 30 * time.Second

// ErrRehearsalActive is returned by [Rehearser.Run] while another rehearsal
// is running.
var ErrRehearsalActive = errors.New("app: a rehearsal is already active")

// RehearsalInfo describes the active rehearsal.
type RehearsalInfo struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`

	// Question is the one-based current question.
	Question  int `json:"question"`
	Questions int `json:"questions"`

	Microphone bool   `json:"microphone"`
	Camera     bool   `json:"camera"`
	Speech     string `json:"speech"`
	Transcript string `json:"transcript,omitempty"`
	Analysis   string `json:"analysis"`
}

// RehearserConfig holds the dependencies of a [Rehearser].
type RehearserConfig struct {
	Devices media.Devices
	Logger  *slog.Logger
	Metrics *observe.Metrics

	// NewSessionID and FrameInterval are passed to every orchestrator.
	NewSessionID  func() string
	FrameInterval time.Duration
}

// Rehearser runs scripted interviews against the configured devices: each
// question gets the microphone for the configured answer duration, while the
// camera feeds non-verbal analysis throughout.
//
// Only one rehearsal can be active at a time. All exported methods are safe
// for concurrent use.
type Rehearser struct {
	deps RehearserConfig
	log  *slog.Logger

	mu        sync.Mutex
	active    bool
	orch      *interview.Orchestrator
	startedAt time.Time
	questions int
	cancel    context.CancelFunc

	finalMu   sync.Mutex
	lastFinal string
}

// NewRehearser creates a Rehearser with the given dependencies.
func NewRehearser(cfg RehearserConfig) *Rehearser {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Rehearser{deps: cfg, log: log}
}

// Run performs one rehearsal with the interview and backend settings of cfg
// and returns its result. Cancelling ctx ends the interview early; the
// partial result is still returned.
func (r *Rehearser) Run(ctx context.Context, cfg *config.Config) (*interview.Result, error) {
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return nil, ErrRehearsalActive
	}
	orch, err := interview.New(interview.Config{
		Questions:           cfg.Interview.Questions,
		Devices:             r.deps.Devices,
		SpeechBaseURL:       cfg.Backends.Speech.BaseURL,
		NonVerbalBaseURL:    cfg.Backends.NonVerbal.BaseURL,
		PreferredMicrophone: cfg.Interview.PreferredMicrophone,
		FrameInterval:       r.deps.FrameInterval,
		NewSessionID:        r.deps.NewSessionID,
		OnSpeech:            r.onSpeech,
		Logger:              r.log,
		Metrics:             r.deps.Metrics,
	})
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("app: rehearsal: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.active = true
	r.orch = orch
	r.cancel = cancel
	r.startedAt = time.Now().UTC()
	r.questions = len(cfg.Interview.Questions)
	r.mu.Unlock()

	defer func() {
		cancel()
		orch.Unmount()
		r.mu.Lock()
		r.active = false
		r.orch = nil
		r.cancel = nil
		r.mu.Unlock()
	}()

	if err := orch.Mount(runCtx); err != nil {
		return nil, fmt.Errorf("app: rehearsal: mount: %w", err)
	}
	if err := orch.StartAnalysis(runCtx); err != nil {
		if errors.Is(err, interview.ErrNoCamera) {
			r.log.Info("no camera, rehearsing without non-verbal analysis")
		} else {
			r.log.Warn("non-verbal analysis unavailable", "err", err)
		}
	}

	total := len(cfg.Interview.Questions)
	for {
		snap := orch.Snapshot()
		r.log.Info("question", "n", snap.Index+1, "of", total, "text", snap.Question)

		if _, err := orch.ToggleMicrophone(runCtx); err != nil && runCtx.Err() == nil {
			r.log.Warn("microphone unavailable for this answer", "err", err)
		}
		if !sleep(runCtx, cfg.Interview.AnswerDuration) {
			return r.end(ctx, orch)
		}
		res, err := orch.NextQuestion(runCtx)
		if err != nil {
			return nil, fmt.Errorf("app: rehearsal: %w", err)
		}
		if res != nil {
			return res, nil
		}
	}
}

func (r *Rehearser) end(ctx context.Context, orch *interview.Orchestrator) (*interview.Result, error) {
	r.log.Info("rehearsal interrupted, ending interview")
	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), endTimeout)
	defer cancel()
	res, err := orch.EndInterview(endCtx)
	if err != nil {
		return nil, fmt.Errorf("app: rehearsal: %w", err)
	}
	return res, nil
}

func (r *Rehearser) onSpeech(s speech.Snapshot) {
	r.finalMu.Lock()
	changed := s.FinalText != "" && s.FinalText != r.lastFinal
	r.lastFinal = s.FinalText
	r.finalMu.Unlock()
	if changed {
		r.log.Info("transcript", "text", s.FinalText)
	}
}

// Stop interrupts the active rehearsal, if any.
func (r *Rehearser) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// IsActive reports whether a rehearsal is running.
func (r *Rehearser) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Info returns the state of the active rehearsal. The bool is false when no
// rehearsal is running.
func (r *Rehearser) Info() (RehearsalInfo, bool) {
	r.mu.Lock()
	orch, started, total := r.orch, r.startedAt, r.questions
	r.mu.Unlock()
	if orch == nil {
		return RehearsalInfo{}, false
	}

	snap := orch.Snapshot()
	transcript := snap.Answer
	if live := snap.Speech.LiveText; live != "" {
		if transcript != "" {
			transcript += " "
		}
		transcript += live
	}
	return RehearsalInfo{
		SessionID:  snap.SessionID,
		StartedAt:  started,
		Question:   snap.Index + 1,
		Questions:  total,
		Microphone: snap.MicOn,
		Camera:     snap.VideoOn,
		Speech:     snap.Speech.State.String(),
		Transcript: transcript,
		Analysis:   snap.Video.Status.String(),
	}, true
}

// sleep waits for d or until ctx is done, and reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
