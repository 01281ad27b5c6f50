package nonverbal_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/interviewkit/internal/nonverbal"
	"github.com/MrWong99/interviewkit/internal/observe"
	"github.com/MrWong99/interviewkit/pkg/media"
	"github.com/MrWong99/interviewkit/pkg/media/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

type backendStub struct {
	srv      *httptest.Server
	accepted atomic.Int32
}

// startServer runs handler for every socket accepted on /ws/video/{id}.
// Other paths are served by rest when it is non-nil.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request), rest http.Handler) *backendStub {
	t.Helper()
	b := &backendStub{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/ws/video/") {
			if rest == nil {
				http.NotFound(w, r)
				return
			}
			rest.ServeHTTP(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		b.accepted.Add(1)
		defer conn.CloseNow()
		handler(conn, r)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func readFrame(t *testing.T, conn *websocket.Conn) (string, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return "", false
	}
	if typ != websocket.MessageText {
		t.Errorf("frame type = %v, want text", typ)
	}
	return string(data), true
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(context.Background()); err != nil {
			return
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readyCamera() *mock.VideoTrack {
	cam := mock.NewVideoTrack(mock.Device{ID: "cam", Kind: media.KindVideo})
	cam.SetReady(true)
	return cam
}

// snapshotLog collects every OnChange snapshot.
type snapshotLog struct {
	mu    sync.Mutex
	snaps []nonverbal.Snapshot
}

func (l *snapshotLog) record(s nonverbal.Snapshot) {
	l.mu.Lock()
	l.snaps = append(l.snaps, s)
	l.mu.Unlock()
}

// seen reports whether any snapshot had status st.
func (l *snapshotLog) seen(st nonverbal.Status) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.snaps {
		if s.Status == st {
			return true
		}
	}
	return false
}

// withStatus returns every snapshot that had status st.
func (l *snapshotLog) withStatus(st nonverbal.Status) []nonverbal.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []nonverbal.Snapshot
	for _, s := range l.snaps {
		if s.Status == st {
			out = append(out, s)
		}
	}
	return out
}

func (l *snapshotLog) frameCounts() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int64, len(l.snaps))
	for i, s := range l.snaps {
		out[i] = s.FrameCount
	}
	return out
}

func fptr(v float64) *float64 { return &v }

// stallingServer accepts connections but never answers the upgrade request.
func stallingServer(t *testing.T) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	return srv
}

func newSession(t *testing.T, b *backendStub, cfg nonverbal.Config) *nonverbal.Session {
	t.Helper()
	cfg.BaseURL = b.srv.URL
	if cfg.SessionID == "" {
		cfg.SessionID = "sess-1"
	}
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Millisecond
	}
	s := nonverbal.NewSession(cfg)
	t.Cleanup(s.Stop)
	return s
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestSession_ReconcilesStatuses(t *testing.T) {
	t.Parallel()
	paths := make(chan string, 1)
	closed := make(chan websocket.StatusCode, 1)
	b := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		paths <- r.URL.Path
		frame, ok := readFrame(t, conn)
		if !ok {
			return
		}
		if !strings.HasPrefix(frame, nonverbal.DataURLPrefix) {
			t.Errorf("frame prefix = %q", frame[:min(len(frame), 32)])
		}
		writeJSON(t, conn, map[string]any{
			"session_status": "active",
			"non_verbal_scores": map[string]any{
				"eye_contact": 81.5, "facial_expression": 70.0, "posture": 65.0,
				"stability": 90.0, "final_non_verbal_score": 76.6,
			},
			"insights": []string{"Posture needs improvement"},
		})
		readFrame(t, conn)
		writeJSON(t, conn, map[string]any{
			"session_status": "insufficient_data",
			"reason":         "face_not_detected",
			"insights":       []string{"Insufficient data to compute metrics"},
		})
		readFrame(t, conn)
		writeJSON(t, conn, map[string]any{
			"session_status":      "cancelled",
			"cancellation_reason": "multiple_faces",
		})
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				closed <- websocket.CloseStatus(err)
				return
			}
		}
	}, nil)

	var log snapshotLog
	s := newSession(t, b, nonverbal.Config{OnChange: log.record})
	if err := s.Start(context.Background(), readyCamera()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := <-paths; got != "/ws/video/sess-1" {
		t.Errorf("socket path = %q", got)
	}

	waitFor(t, "cancelled", func() bool { return s.Status() == nonverbal.StatusCancelled })

	select {
	case code := <-closed:
		if code != websocket.StatusNormalClosure {
			t.Errorf("close code = %v, want normal closure", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("socket not closed after cancellation")
	}

	snap := s.Snapshot()
	if snap.Reason != "multiple_faces" {
		t.Errorf("reason = %q", snap.Reason)
	}
	want := nonverbal.Scores{
		EyeContact: fptr(81.5), FacialExpression: fptr(70), Posture: fptr(65),
		Stability: fptr(90), FinalNonVerbalScore: fptr(76.6),
	}
	if snap.Scores.EyeContact == nil || *snap.Scores.EyeContact != *want.EyeContact ||
		snap.Scores.FinalNonVerbalScore == nil || *snap.Scores.FinalNonVerbalScore != *want.FinalNonVerbalScore {
		t.Errorf("scores changed after waiting/cancelled: %+v", snap.Scores)
	}
	if len(snap.Insights) != 1 || snap.Insights[0] != "Posture needs improvement" {
		t.Errorf("insights = %v", snap.Insights)
	}

	for _, st := range []nonverbal.Status{
		nonverbal.StatusAnalyzing, nonverbal.StatusActive, nonverbal.StatusWaiting, nonverbal.StatusCancelled,
	} {
		if !log.seen(st) {
			t.Errorf("status %s never observed", st)
		}
	}
	for _, w := range log.withStatus(nonverbal.StatusWaiting) {
		if w.Scores.EyeContact == nil || *w.Scores.EyeContact != 81.5 {
			t.Errorf("waiting snapshot lost scores: %+v", w.Scores)
		}
	}

	// The frame timer is stopped.
	frames := s.Snapshot().FrameCount
	time.Sleep(50 * time.Millisecond)
	if after := s.Snapshot().FrameCount; after != frames {
		t.Errorf("frames kept flowing after cancel: %d -> %d", frames, after)
	}

	s.Stop()
	if s.Status() != nonverbal.StatusCancelled {
		t.Errorf("Stop overwrote cancelled with %s", s.Status())
	}
}

func TestSession_SkipsNotReadyFrames(t *testing.T) {
	t.Parallel()
	var received atomic.Int32
	b := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
			received.Add(1)
		}
	}, nil)

	cam := mock.NewVideoTrack(mock.Device{ID: "cam", Kind: media.KindVideo})
	var log snapshotLog
	s := newSession(t, b, nonverbal.Config{OnChange: log.record})
	if err := s.Start(context.Background(), cam); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if n := s.Snapshot().FrameCount; n != 0 {
		t.Errorf("frame count = %d before camera ready", n)
	}
	if cam.SnapshotCount() != 0 {
		t.Error("snapshot taken from a camera that was not ready")
	}

	cam.SetReady(true)
	waitFor(t, "five frames", func() bool { return s.Snapshot().FrameCount >= 5 })
	s.Stop()

	counts := log.frameCounts()
	for i := 1; i < len(counts); i++ {
		if d := counts[i] - counts[i-1]; d < 0 || d > 1 {
			t.Fatalf("frame counts not monotonic by one: %v", counts)
		}
	}
	final := s.Snapshot().FrameCount
	waitFor(t, "server receipt", func() bool { return int64(received.Load()) == final })
}

func TestSession_StartIsIdempotentWhileAnalyzing(t *testing.T) {
	t.Parallel()
	b := startServer(t, func(conn *websocket.Conn, _ *http.Request) { drain(conn) }, nil)
	s := newSession(t, b, nonverbal.Config{})

	cam := readyCamera()
	if err := s.Start(context.Background(), cam); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background(), cam); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if n := b.accepted.Load(); n != 1 {
		t.Errorf("accepted %d sockets, want 1", n)
	}
}

func TestSession_ServerCloseStops(t *testing.T) {
	t.Parallel()
	b := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.Close(websocket.StatusNormalClosure, "done")
	}, nil)
	s := newSession(t, b, nonverbal.Config{})
	if err := s.Start(context.Background(), readyCamera()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "stopped", func() bool { return s.Status() == nonverbal.StatusStopped })
}

func TestSession_SocketErrorThenRestart(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	b := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		if calls.Add(1) == 1 {
			// Let one frame through, then drop the connection.
			readFrame(t, conn)
			conn.CloseNow()
			return
		}
		drain(conn)
	}, nil)

	rec := observe.NewRecorder(slog.LevelDebug)
	s := newSession(t, b, nonverbal.Config{Logger: rec.Logger()})
	cam := readyCamera()
	if err := s.Start(context.Background(), cam); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "error", func() bool { return s.Status() == nonverbal.StatusError })
	if !rec.Has(slog.LevelError, "non-verbal socket error") {
		t.Errorf("missing socket error diagnostic, got %v", rec.Messages())
	}
	before := s.Snapshot().FrameCount

	if err := s.Start(context.Background(), cam); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, "frames after restart", func() bool { return s.Snapshot().FrameCount > before })
	if b.accepted.Load() != 2 {
		t.Errorf("accepted %d sockets, want 2", b.accepted.Load())
	}
}

func TestSession_IgnoresUnusableMessages(t *testing.T) {
	t.Parallel()
	done := make(chan struct{})
	b := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readFrame(t, conn)
		conn.Write(context.Background(), websocket.MessageText, []byte("{{"))
		writeJSON(t, conn, map[string]string{"status": "error", "message": "Failed to decode frame"})
		writeJSON(t, conn, map[string]any{"session_status": "frame_skipped", "skip_reason": "blink", "insights": []string{}})
		writeJSON(t, conn, map[string]any{"session_status": "rebooting"})
		writeJSON(t, conn, map[string]any{"session_status": "insufficient_data", "reason": "warming_up"})
		close(done)
		drain(conn)
	}, nil)

	rec := observe.NewRecorder(slog.LevelDebug)
	s := newSession(t, b, nonverbal.Config{Logger: rec.Logger()})
	if err := s.Start(context.Background(), readyCamera()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-done
	waitFor(t, "waiting", func() bool { return s.Status() == nonverbal.StatusWaiting })

	for _, msg := range []string{
		"ignoring malformed non-verbal message",
		"non-verbal backend rejected frame",
		"ignoring non-verbal message with unknown status",
	} {
		if !rec.Has(slog.LevelWarn, msg) {
			t.Errorf("missing warning %q", msg)
		}
	}
	if !rec.Has(slog.LevelDebug, "backend skipped frame") {
		t.Error("frame_skipped not logged")
	}
	if got := s.Snapshot().Reason; got != "warming_up" {
		t.Errorf("reason = %q", got)
	}
}

func TestSession_DialFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	s := nonverbal.NewSession(nonverbal.Config{BaseURL: srv.URL, SessionID: "s"})
	if err := s.Start(context.Background(), readyCamera()); err == nil {
		t.Fatal("expected dial error")
	}
	if s.Status() != nonverbal.StatusError {
		t.Errorf("status = %s, want error", s.Status())
	}
}

func TestSession_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	idle := nonverbal.NewSession(nonverbal.Config{BaseURL: "http://127.0.0.1:1"})
	idle.Stop()
	idle.Stop()
	if idle.Status() != nonverbal.StatusIdle {
		t.Errorf("never-started status = %s, want idle", idle.Status())
	}

	b := startServer(t, func(conn *websocket.Conn, _ *http.Request) { drain(conn) }, nil)
	s := newSession(t, b, nonverbal.Config{})
	if err := s.Start(context.Background(), readyCamera()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
	s.Stop()
	if s.Status() != nonverbal.StatusStopped {
		t.Errorf("status = %s, want stopped", s.Status())
	}
}

func TestSession_Analysis(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /analyze_session/good", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"session_id":"good","total_frames":120,"analyzed_frames":96,
			"non_verbal_scores":{"eye_contact":70,"facial_expression":60,"posture":80,"stability":75,"final_non_verbal_score":71.25},
			"pass_status":"pass","pass_threshold":60}`))
	})
	mux.HandleFunc("POST /analyze_session/bad", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	b := startServer(t, func(conn *websocket.Conn, _ *http.Request) { drain(conn) }, mux)

	good := nonverbal.NewSession(nonverbal.Config{BaseURL: b.srv.URL, SessionID: "good"})
	a := good.Analysis(context.Background())
	if a == nil {
		t.Fatal("Analysis returned nil")
	}
	if !a.Passed() || a.AnalyzedFrames != 96 || a.Scores.FinalNonVerbalScore == nil || *a.Scores.FinalNonVerbalScore != 71.25 {
		t.Errorf("analysis = %+v", a)
	}

	bad := nonverbal.NewSession(nonverbal.Config{BaseURL: b.srv.URL, SessionID: "bad"})
	if a := bad.Analysis(context.Background()); a != nil {
		t.Errorf("failed analysis = %+v, want nil", a)
	}

	broken := nonverbal.NewSession(nonverbal.Config{BaseURL: "not a url", SessionID: "x"})
	if a := broken.Analysis(context.Background()); a != nil {
		t.Error("analysis with bad base URL should be nil")
	}
}

func TestSession_StalledHandshakeTimesOut(t *testing.T) {
	t.Parallel()
	srv := stallingServer(t)
	s := nonverbal.NewSession(nonverbal.Config{BaseURL: srv.URL, SessionID: "s", DialTimeout: 100 * time.Millisecond})

	start := time.Now()
	err := s.Start(context.Background(), readyCamera())
	if err == nil {
		t.Fatal("expected dial timeout")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Start took %s, want the dial timeout to bound it", elapsed)
	}
	if s.Status() != nonverbal.StatusError {
		t.Errorf("status = %s, want error", s.Status())
	}
}

func TestSession_StopAbortsPendingDial(t *testing.T) {
	t.Parallel()
	srv := stallingServer(t)
	s := nonverbal.NewSession(nonverbal.Config{BaseURL: srv.URL, SessionID: "s"})

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background(), readyCamera()) }()

	time.Sleep(50 * time.Millisecond)
	s.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, nonverbal.ErrStopped) {
			t.Errorf("Start err = %v, want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start still blocked after Stop")
	}
	if s.Status() != nonverbal.StatusStopped {
		t.Errorf("status = %s, want stopped", s.Status())
	}
}
