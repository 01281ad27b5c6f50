// Package nonverbal implements the video half of the capture pipeline: a
// [Session] samples frames from a camera at a fixed rate, sends them as JPEG
// data URLs over the non-verbal backend's WebSocket, and reconciles the
// scores and session status it receives back. [Client] covers the backend's
// final-analysis and health endpoints.
package nonverbal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/interviewkit/internal/backend"
	"github.com/MrWong99/interviewkit/internal/observe"
	"github.com/MrWong99/interviewkit/pkg/media"
)

// FrameInterval is the capture period: five frames per second.
const FrameInterval = 200 * time.Millisecond

// ErrStopped is returned by [Session.Start] when Stop was called while the
// socket was still being dialed.
var ErrStopped = errors.New("nonverbal: session stopped during start")

// Config configures a [Session].
type Config struct {
	// BaseURL is the http(s) base of the non-verbal backend. The socket URL
	// is ws(s)://host/ws/video/{SessionID}.
	BaseURL   string
	SessionID string

	// Interval overrides FrameInterval. Zero uses FrameInterval.
	Interval time.Duration

	// DialTimeout bounds the socket handshake. Zero uses
	// [backend.DialTimeout].
	DialTimeout time.Duration

	// Client serves [Session.Analysis]. Nil builds one from BaseURL.
	Client *Client

	// Logger receives diagnostics. Nil uses [slog.Default].
	Logger *slog.Logger

	// Metrics records capture metrics. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnChange, if set, is called with a fresh snapshot after every status,
	// score, or frame-count change. It runs on the session's goroutines and
	// must not block.
	OnChange func(Snapshot)
}

// Snapshot is an immutable view of a [Session].
type Snapshot struct {
	Status   Status
	Scores   Scores
	Insights []string

	// Reason is the backend's explanation for the last waiting or
	// cancelled status.
	Reason string

	// FrameCount is the number of frames sent over the session's lifetime.
	// It never decreases, including across restarts.
	FrameCount int64
}

// Session streams camera frames for a whole interview.
//
// All methods are safe for concurrent use. As with the speech session,
// goroutines capture the generation current at start and every terminal
// transition advances it.
type Session struct {
	cfg      Config
	interval time.Duration
	log      *slog.Logger
	metrics  *observe.Metrics
	attrs    metric.MeasurementOption

	mu        sync.Mutex
	gen       uint64
	status    Status
	starting  bool
	scores    Scores
	insights  []string
	reason    string
	frames    int64
	conn      *websocket.Conn
	cancel    context.CancelFunc
	client    *Client
	clientErr error
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
	interval := cfg.Interval
	if interval <= 0 {
		interval = FrameInterval
	}
	s := &Session{
		cfg:      cfg,
		interval: interval,
		log:      log.With("session_id", cfg.SessionID),
		metrics:  m,
		attrs:    metric.WithAttributes(attribute.String("channel", observe.ChannelNonVerbal)),
		client:   cfg.Client,
	}
	if s.client == nil {
		s.client, s.clientErr = NewClient(cfg.BaseURL, WithClientLogger(log), WithClientMetrics(m))
	}
	return s
}

// Start opens the socket and begins sampling frames from src. It is a no-op
// while the session is already starting or analyzing. A session that ended
// (stopped, cancelled, or errored) may be started again.
func (s *Session) Start(ctx context.Context, src media.FrameSource) (err error) {
	ctx, span := observe.StartCaptureSpan(ctx, "nonverbal.start", s.cfg.SessionID, "")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if src == nil {
		return errors.New("nonverbal: start: nil frame source")
	}

	s.mu.Lock()
	if s.starting || s.status.IsAnalyzing() {
		s.mu.Unlock()
		return nil
	}
	s.starting = true
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	wsURL, err := backend.WebSocketURL(s.cfg.BaseURL, "ws", "video", s.cfg.SessionID)
	if err != nil {
		s.fail(gen, err)
		return fmt.Errorf("nonverbal: start: %w", err)
	}
	conn, err := s.dial(ctx, gen, wsURL)
	if err != nil {
		if errors.Is(err, ErrStopped) {
			return err
		}
		s.fail(gen, err)
		return fmt.Errorf("nonverbal: dial: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "session stopped")
		return ErrStopped
	}
	s.starting = false
	s.conn = conn
	s.cancel = cancel
	s.reason = ""
	s.setStatusLocked(ctx, StatusAnalyzing)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(ctx, 1, s.attrs)
	s.log.Info("non-verbal socket open", "url", wsURL)
	s.notify(snap)

	go s.readLoop(runCtx, gen, conn)
	go s.captureLoop(runCtx, gen, src)
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

// Stop ends the session. It is idempotent, never fails, and keeps a
// cancelled or errored status. A session that never started stays idle.
func (s *Session) Stop() {
	s.mu.Lock()
	gen := s.gen
	active := s.starting || s.status.IsAnalyzing()
	s.mu.Unlock()
	if !active {
		return
	}
	s.teardown(gen, StatusStopped, "stopped")
}

// Analysis fetches the backend's final verdict for the session. Any failure
// is logged and yields nil.
func (s *Session) Analysis(ctx context.Context) *Analysis {
	if s.clientErr != nil {
		s.log.Warn("non-verbal analysis unavailable", "err", s.clientErr)
		return nil
	}
	a, err := s.client.AnalyzeSession(ctx, s.cfg.SessionID)
	if err != nil {
		return nil
	}
	return a
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot returns the current session view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Status:     s.status,
		Scores:     s.scores,
		Insights:   slices.Clone(s.insights),
		Reason:     s.reason,
		FrameCount: s.frames,
	}
}

func (s *Session) notify(snap Snapshot) {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(snap)
	}
}

func (s *Session) setStatusLocked(ctx context.Context, st Status) {
	s.status = st
	s.metrics.RecordTransition(ctx, observe.ChannelNonVerbal, st.String())
}

func (s *Session) fail(gen uint64, err error) {
	s.log.Warn("non-verbal session failed to start", "err", err)
	s.teardown(gen, StatusError, "start failed")
}

// teardown moves generation gen to final, stops the capture loop, and closes
// the socket. Stale generations and already ended sessions are ignored.
func (s *Session) teardown(gen uint64, final Status, reason string) {
	s.mu.Lock()
	if s.gen != gen || !(s.starting || s.status.IsAnalyzing()) {
		s.mu.Unlock()
		return
	}
	wasOpen := s.status.IsAnalyzing()
	s.gen++
	s.starting = false
	conn, cancel := s.conn, s.cancel
	s.conn, s.cancel = nil, nil
	s.setStatusLocked(context.Background(), final)
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
	if wasOpen {
		s.metrics.ActiveSessions.Add(context.Background(), -1, s.attrs)
	}

	s.log.Info("non-verbal session ended", "status", final.String(), "reason", reason, "frames", snap.FrameCount)
	s.notify(snap)
}

// captureLoop sends one frame per tick while the socket is open and the
// source has a frame to draw.
func (s *Session) captureLoop(ctx context.Context, gen uint64, src media.FrameSource) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !src.Ready() {
			s.metrics.RecordVideoSkip(ctx, "not_ready")
			continue
		}

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		conn := s.conn
		open := s.status.IsAnalyzing() && conn != nil
		s.mu.Unlock()
		if !open {
			s.metrics.RecordVideoSkip(ctx, "not_open")
			continue
		}

		img, err := src.Snapshot()
		if err != nil {
			s.log.Debug("frame snapshot failed", "err", err)
			s.metrics.RecordVideoSkip(ctx, "snapshot_error")
			continue
		}
		payload, err := EncodeFrame(img)
		if err != nil {
			s.log.Warn("frame encode failed", "err", err)
			s.metrics.RecordVideoSkip(ctx, "encode_error")
			continue
		}

		if err := conn.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Debug("dropping video frame", "err", err)
			s.metrics.RecordVideoSkip(ctx, "write_error")
			continue
		}

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.frames++
		snap := s.snapshotLocked()
		s.mu.Unlock()

		s.metrics.VideoFramesSent.Add(ctx, 1)
		s.notify(snap)
	}
}

// readLoop reconciles inbound results strictly in arrival order.
func (s *Session) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.handleReadError(gen, err)
			return
		}

		msg, ok := parseMessage(data)
		if !ok {
			s.log.Warn("ignoring malformed non-verbal message", "bytes", len(data))
			continue
		}
		if !s.apply(ctx, gen, msg) {
			return
		}
	}
}

// apply reconciles one message. It returns false once the session is no
// longer generation gen.
func (s *Session) apply(ctx context.Context, gen uint64, msg message) bool {
	if msg.Status == "error" {
		s.log.Warn("non-verbal backend rejected frame", "message", msg.Message)
		return true
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}

	switch msg.SessionStatus {
	case wireActive:
		if msg.Scores != nil {
			s.scores = *msg.Scores
		} else {
			s.scores = Scores{}
		}
		s.insights = slices.Clone(msg.Insights)
		s.reason = ""
		if s.status != StatusActive {
			s.setStatusLocked(ctx, StatusActive)
		}

	case wireInsufficientData:
		s.reason = msg.Reason
		if s.status != StatusWaiting {
			s.setStatusLocked(ctx, StatusWaiting)
		}

	case wireCancelled:
		s.reason = msg.CancellationReason
		if msg.Insights != nil {
			s.insights = slices.Clone(msg.Insights)
		}
		s.mu.Unlock()
		s.log.Warn("non-verbal session cancelled by backend", "reason", msg.CancellationReason)
		s.teardown(gen, StatusCancelled, "cancelled by backend")
		return false

	case wireFrameSkipped:
		s.mu.Unlock()
		s.log.Debug("backend skipped frame", "reason", msg.SkipReason)
		s.metrics.RecordVideoSkip(ctx, "backend_skipped")
		return true

	default:
		s.mu.Unlock()
		s.log.Warn("ignoring non-verbal message with unknown status", "session_status", msg.SessionStatus)
		return true
	}

	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
	return true
}

// handleReadError maps the end of the read loop to Stopped for a close frame
// and to Error for anything else.
func (s *Session) handleReadError(gen uint64, err error) {
	s.mu.Lock()
	stale := s.gen != gen
	s.mu.Unlock()
	if stale {
		return
	}

	if websocket.CloseStatus(err) != -1 {
		s.log.Info("non-verbal socket closed by server", "code", websocket.CloseStatus(err).String())
		s.teardown(gen, StatusStopped, "server closed")
		return
	}
	s.log.Error("non-verbal socket error", "err", err)
	s.teardown(gen, StatusError, "socket error")
}
