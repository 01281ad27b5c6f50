// Package speech implements the audio half of the capture pipeline: a
// [Session] streams one answer's microphone audio as 16 kHz PCM16LE over the
// speech backend's WebSocket and merges the partial and final transcripts it
// receives back. [Client] covers the backend's one-shot REST endpoints.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/interviewkit/internal/backend"
	"github.com/MrWong99/interviewkit/internal/observe"
	"github.com/MrWong99/interviewkit/pkg/audio"
	"github.com/MrWong99/interviewkit/pkg/media"
)

var (
	// ErrNoAudioTrack is returned by [Session.Start] when the acquired stream
	// carries no live audio track.
	ErrNoAudioTrack = errors.New("speech: stream has no live audio track")

	// ErrNotIdle is returned by [Session.Start] on a session that was already
	// started or stopped.
	ErrNotIdle = errors.New("speech: session already started")

	// ErrStopped is returned by [Session.Start] when Stop was called while
	// Start was still acquiring the microphone or dialing.
	ErrStopped = errors.New("speech: session stopped during start")
)

// Config configures a [Session].
type Config struct {
	// BaseURL is the http(s) base of the speech backend. The socket URL is
	// derived from it as ws(s)://host/ws/voice/{SessionID}/{QuestionID}.
	BaseURL string

	SessionID  string
	QuestionID string

	// Stream is an externally owned capture stream. When it carries a live
	// audio track the session borrows it and never stops its tracks.
	Stream media.Stream

	// Resolver finds a microphone when Stream is nil or has no live audio.
	// The session then owns the resolved stream.
	Resolver *media.Resolver

	// PreferredDeviceID is handed to Resolver.
	PreferredDeviceID string

	// DialTimeout bounds the socket handshake. Zero uses
	// [backend.DialTimeout].
	DialTimeout time.Duration

	// Logger receives diagnostics. Nil uses [slog.Default].
	Logger *slog.Logger

	// Metrics records capture metrics. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnChange, if set, is called with a fresh snapshot after every state,
	// transcript, or level change. It runs on the session's goroutines and
	// must not block.
	OnChange func(Snapshot)
}

// Snapshot is an immutable view of a [Session].
type Snapshot struct {
	State     State
	LiveText  string
	FinalText string
	DeviceID  string

	// Level is the most recent input level on [0, 100].
	Level float64

	FramesSent    int64
	FramesDropped int64
}

// Session streams one question's answer to the speech backend.
//
// All methods are safe for concurrent use. Every goroutine a session starts
// captures the generation current at start; Stop and terminal transitions
// advance the generation so that late callbacks become no-ops.
type Session struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	attrs   metric.MeasurementOption

	mu       sync.Mutex
	gen      uint64
	state    State
	text     transcript
	deviceID string
	level    float64
	sent     int64
	dropped  int64

	conn   *websocket.Conn
	handle *media.Handle
	cancel context.CancelFunc
}

// NewSession creates an idle session.
func NewSession(cfg Config) *Session {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Session{
		cfg:     cfg,
		log:     log.With("session_id", cfg.SessionID, "question_id", cfg.QuestionID),
		metrics: m,
		attrs:   metric.WithAttributes(attribute.String("channel", observe.ChannelSpeech)),
	}
}

// Start acquires a microphone, dials the speech socket, and begins streaming.
// It returns once the socket is open or start has failed.
//
// A failure leaves the session Errored with every acquired resource released.
// When no microphone can be acquired the returned error wraps
// [media.ErrNoMicrophone] and no socket is opened.
func (s *Session) Start(ctx context.Context) (err error) {
	ctx, span := observe.StartCaptureSpan(ctx, "speech.start", s.cfg.SessionID, s.cfg.QuestionID)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrNotIdle
	}
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	handle, err := s.acquire(ctx)
	if err != nil {
		s.fail(gen, err)
		return fmt.Errorf("speech: start: %w", err)
	}
	track := media.LiveAudioTrack(handle.Stream())

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		handle.Release()
		return ErrStopped
	}
	s.handle = handle
	s.deviceID = track.DeviceID()
	s.setStateLocked(ctx, StateConnecting)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)

	wsURL, err := backend.WebSocketURL(s.cfg.BaseURL, "ws", "voice", s.cfg.SessionID, s.cfg.QuestionID)
	if err != nil {
		s.fail(gen, err)
		return fmt.Errorf("speech: start: %w", err)
	}

	conn, err := s.dial(ctx, gen, wsURL)
	if err != nil {
		if errors.Is(err, ErrStopped) {
			return err
		}
		s.fail(gen, err)
		return fmt.Errorf("speech: dial: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "session stopped")
		return ErrStopped
	}
	s.conn = conn
	s.cancel = cancel
	s.setStateLocked(ctx, StateOpen)
	snap = s.snapshotLocked()
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(ctx, 1, s.attrs)
	s.log.Info("speech socket open", "url", wsURL, "device_id", track.DeviceID(),
		"sample_rate", track.SampleRate(), "muted", track.Muted())
	if track.Muted() {
		s.log.Warn("microphone is muted by the platform, streaming silence", "device_id", track.DeviceID())
	}
	s.notify(snap)

	go s.readLoop(runCtx, gen, conn)
	go s.processLoop(runCtx, gen, track)
	return nil
}

// dial opens the socket under the dial timeout. Stop cancels a pending dial,
// in which case dial returns [ErrStopped].
func (s *Session) dial(ctx context.Context, gen uint64, wsURL string) (*websocket.Conn, error) {
	timeout := s.cfg.DialTimeout
	if timeout <= 0 {
		timeout = backend.DialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.cancel = cancel
	s.mu.Unlock()

	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)

	s.mu.Lock()
	stale := s.gen != gen
	if !stale {
		s.cancel = nil
	}
	s.mu.Unlock()
	if stale {
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "session stopped")
		}
		return nil, ErrStopped
	}
	return conn, err
}

// acquire returns the stream to capture from: the configured stream when it
// has live audio (borrowed), otherwise a resolved one (owned).
func (s *Session) acquire(ctx context.Context) (*media.Handle, error) {
	if media.LiveAudioTrack(s.cfg.Stream) != nil {
		return media.Borrow(s.cfg.Stream), nil
	}
	if s.cfg.Resolver == nil {
		return nil, ErrNoAudioTrack
	}
	stream, err := s.cfg.Resolver.Resolve(ctx, s.cfg.PreferredDeviceID)
	if err != nil {
		return nil, err
	}
	h := media.Own(stream)
	if media.LiveAudioTrack(stream) == nil {
		h.Release()
		return nil, ErrNoAudioTrack
	}
	return h, nil
}

// Stop tears the session down. It is idempotent and safe from any state,
// including a session that was never started. The transcript's confirmed
// text survives Stop; the live partial does not.
func (s *Session) Stop() {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.shutdown(gen, StateClosed, "stopped")
}

// ClearTranscript empties both live and confirmed text.
func (s *Session) ClearTranscript() {
	s.mu.Lock()
	s.text = transcript{}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the current session view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		State:         s.state,
		LiveText:      s.text.live,
		FinalText:     s.text.final,
		DeviceID:      s.deviceID,
		Level:         s.level,
		FramesSent:    s.sent,
		FramesDropped: s.dropped,
	}
}

func (s *Session) notify(snap Snapshot) {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(snap)
	}
}

func (s *Session) setStateLocked(ctx context.Context, st State) {
	s.state = st
	s.metrics.RecordTransition(ctx, observe.ChannelSpeech, st.String())
}

// fail records a start failure for generation gen.
func (s *Session) fail(gen uint64, err error) {
	s.log.Warn("speech session failed to start", "err", err)
	s.shutdown(gen, StateErrored, "start failed")
}

// shutdown moves generation gen to final and releases every resource. It
// is a no-op for a stale generation or an already terminal session, except
// that an Idle session stopped before Start becomes Closed.
func (s *Session) shutdown(gen uint64, final State, reason string) {
	s.mu.Lock()
	if s.gen != gen || s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}
	wasOpen := s.state == StateOpen
	s.gen++
	conn, cancel, handle := s.conn, s.cancel, s.handle
	s.conn, s.cancel, s.handle = nil, nil, nil
	s.text.live = ""
	s.setStateLocked(context.Background(), final)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	// Close before cancel: cancelling a pending Read drops the connection
	// without a close frame.
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, reason)
	}
	if cancel != nil {
		cancel()
	}
	handle.Release()
	if wasOpen {
		s.metrics.ActiveSessions.Add(context.Background(), -1, s.attrs)
	}

	s.log.Info("speech session ended", "state", final.String(), "reason", reason,
		"frames_sent", snap.FramesSent, "frames_dropped", snap.FramesDropped)
	s.notify(snap)
}

// readLoop applies inbound messages strictly in arrival order until the
// socket ends.
func (s *Session) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.handleReadError(gen, err)
			return
		}

		msg, ok := parseMessage(data)
		if !ok {
			s.log.Warn("ignoring malformed speech message", "bytes", len(data))
			continue
		}
		if len(msg.Metrics) > 0 {
			s.log.Debug("speech metrics received", "metrics", string(msg.Metrics))
		}

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		partial, final := s.text.apply(msg)
		snap := s.snapshotLocked()
		s.mu.Unlock()

		if partial {
			s.metrics.RecordTranscriptUpdate(ctx, "partial")
		}
		if final {
			s.metrics.RecordTranscriptUpdate(ctx, "final")
			s.log.Debug("final transcript segment", "text", *msg.Final)
		}
		if partial || final {
			s.notify(snap)
		}
	}
}

// handleReadError maps the end of the read loop to a terminal state: a close
// frame from the server is a clean close, anything else (reset, EOF without
// a close frame, timeout) is a socket error.
func (s *Session) handleReadError(gen uint64, err error) {
	s.mu.Lock()
	stale := s.gen != gen
	s.mu.Unlock()
	if stale {
		return
	}

	if websocket.CloseStatus(err) != -1 {
		s.log.Info("speech socket closed by server", "code", websocket.CloseStatus(err).String())
		s.shutdown(gen, StateClosed, "server closed")
		return
	}
	s.log.Error("speech socket error", "err", err)
	s.shutdown(gen, StateErrored, "socket error")
}

// processLoop reads fixed-size blocks from the microphone, meters them,
// encodes them to PCM16LE at 16 kHz, and sends each block while the socket
// is open. Blocks that arrive while it is not open are dropped.
func (s *Session) processLoop(ctx context.Context, gen uint64, track media.AudioTrack) {
	block := make([]float32, audio.BufferSize)
	rate := track.SampleRate()
	for {
		if err := readBlock(ctx, track, block); err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, media.ErrTrackStopped) {
				s.log.Warn("microphone read failed", "err", err)
			}
			return
		}

		level := audio.Level(block)
		pcm := audio.EncodePCM16(block, rate)

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.level = level
		conn := s.conn
		open := s.state == StateOpen && conn != nil
		if !open {
			s.dropped++
		}
		s.mu.Unlock()

		if !open {
			s.metrics.AudioFramesDropped.Add(ctx, 1)
			continue
		}
		if err := conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Debug("dropping audio frame", "err", err)
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
			s.metrics.AudioFramesDropped.Add(ctx, 1)
			continue
		}

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.sent++
		snap := s.snapshotLocked()
		s.mu.Unlock()

		s.metrics.AudioFramesSent.Add(ctx, 1)
		s.metrics.AudioBytesSent.Add(ctx, int64(len(pcm)))
		s.notify(snap)
	}
}

// readBlock fills block completely, looping over short reads.
func readBlock(ctx context.Context, track media.AudioTrack, block []float32) error {
	for filled := 0; filled < len(block); {
		n, err := track.ReadSamples(ctx, block[filled:])
		if err != nil {
			return err
		}
		filled += n
	}
	return nil
}
