package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/sirupsen/logrus"

	"cuedeck/internal/auth"
	"cuedeck/internal/boost"
	"cuedeck/internal/config"
	"cuedeck/internal/database"
	"cuedeck/internal/loop"
	"cuedeck/internal/metadata"
	"cuedeck/internal/player"
	"cuedeck/internal/playback"
	"cuedeck/internal/session"
	"cuedeck/internal/settings"
	"cuedeck/pkg/models"
)

// directRunner runs work inline. Requests in these tests are served on the
// test goroutine, which doubles as the control loop.
type directRunner struct {
	stopped bool
}

func (r *directRunner) Do(fn func()) error {
	if r.stopped {
		return loop.ErrClosed
	}
	fn()
	return nil
}

type testServer struct {
	cs      *ConsoleServer
	handler http.Handler
	runner  *directRunner
	console *session.Coordinator
	db      *database.Database
	dir     string
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger.WithField("component", "server")
}

func writeWAV(t *testing.T, path string) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	samples := make([]int, 400)
	for i := range samples {
		samples[i] = (i % 40) * 300
	}
	enc := wav.NewEncoder(f, 8000, 16, 1, 1)
	if err := enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: 8000},
		Data:           samples,
		SourceBitDepth: 16,
	}); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
}

func newTestServer(t *testing.T, authCfg *config.AuthConfig) *testServer {
	t.Helper()

	dir := t.TempDir()
	m := loop.NewManual()
	logger := testLogger()

	duration := func(string) (time.Duration, error) { return 30 * time.Second, nil }
	engine := playback.NewVirtualEngine([]string{"Main PA", "Foyer"}, duration, m, m.Now, logger)

	db, err := database.NewDatabase(filepath.Join(dir, "asrun.db"), 1, logger)
	if err != nil {
		t.Fatalf("NewDatabase() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	c := boost.Capability{Enabled: true, Native: true}
	pipeline := boost.NewPipeline(boost.NewRouter(c, filepath.Join(dir, "tmp"), logger), c, m, 6, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pipeline.Close(ctx)
	})

	state := player.NewStateManager()
	console, err := session.New(session.Config{
		Engine:       engine,
		Scheduler:    m,
		Dispatcher:   m,
		Booster:      pipeline,
		Capability:   c,
		Store:        settings.NewStore(filepath.Join(dir, "bgm_config.json")),
		Prober:       metadata.NewExtractor([]string{".wav", ".mp3"}, nil, logger),
		EventLog:     db,
		State:        state,
		FadeDuration: 1.0,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Logging.RequestLogging = false
	if authCfg == nil {
		authCfg = &config.AuthConfig{Enabled: false}
	}
	authService, _, err := auth.NewService(authCfg)
	if err != nil {
		t.Fatalf("auth.NewService() error = %v", err)
	}
	t.Cleanup(authService.Close)

	runner := &directRunner{}
	cs := NewConsoleServer(Options{
		Config:  cfg,
		Runner:  runner,
		Console: console,
		State:   state,
		Events:  db,
		Jobs:    pipeline,
		Auth:    authService,
		Logger:  logger,
	})
	return &testServer{cs: cs, handler: cs.Handler(), runner: runner, console: console, db: db, dir: dir}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, r)
	return w
}

func (ts *testServer) addTrack(t *testing.T, name string) models.TrackState {
	t.Helper()
	p := filepath.Join(ts.dir, name)
	writeWAV(t, p)

	body, _ := json.Marshal(map[string][]string{"paths": {p}})
	w := ts.do(t, "POST", "/api/tracks", string(body))
	if w.Code != http.StatusCreated {
		t.Fatalf("add track status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Added   []models.TrackState `json:"added"`
		Skipped int                 `json:"skipped"`
	}
	decode(t, w, &resp)
	if len(resp.Added) != 1 {
		t.Fatalf("added %d tracks, want 1", len(resp.Added))
	}
	return resp.Added[0]
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid JSON response %q: %v", w.Body.String(), err)
	}
}

func trackURL(id int, op string) string {
	u := "/api/tracks/" + strconv.Itoa(id)
	if op != "" {
		u += "/" + op
	}
	return u
}

func TestAddTracksSkipsDuplicatesAndMissing(t *testing.T) {
	ts := newTestServer(t, nil)
	first := ts.addTrack(t, "intro.wav")

	body, _ := json.Marshal(map[string][]string{"paths": {
		first.OriginalPath,
		filepath.Join(ts.dir, "missing.wav"),
	}})
	w := ts.do(t, "POST", "/api/tracks", string(body))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}

	var resp struct {
		Added   []models.TrackState `json:"added"`
		Skipped int                 `json:"skipped"`
	}
	decode(t, w, &resp)
	if len(resp.Added) != 0 || resp.Skipped != 2 {
		t.Errorf("added = %d, skipped = %d; want 0 and 2", len(resp.Added), resp.Skipped)
	}
}

func TestAddTracksRejectsEmptyRequest(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, "POST", "/api/tracks", `{"paths": []}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	var res ValidationResult
	decode(t, w, &res)
	if res.Valid || len(res.Errors) != 1 || res.Errors[0].Code != "MISSING_PATHS" {
		t.Errorf("unexpected validation result %+v", res)
	}
}

func TestTrackOperations(t *testing.T) {
	ts := newTestServer(t, nil)
	tr := ts.addTrack(t, "walk-in.wav")

	tests := []struct {
		name   string
		op     string
		body   string
		status int
		check  func(t *testing.T, st models.TrackState)
	}{
		{
			name:   "play",
			op:     "play",
			status: http.StatusOK,
			check: func(t *testing.T, st models.TrackState) {
				if st.Playback != models.PlaybackPlaying {
					t.Errorf("playback = %s, want playing", st.Playback)
				}
			},
		},
		{
			name:   "volume",
			op:     "volume",
			body:   `{"volume": 40}`,
			status: http.StatusOK,
			check: func(t *testing.T, st models.TrackState) {
				if st.Volume != 40 {
					t.Errorf("volume = %d, want 40", st.Volume)
				}
			},
		},
		{
			name:   "volume out of range",
			op:     "volume",
			body:   `{"volume": 140}`,
			status: http.StatusBadRequest,
		},
		{
			name:   "loop",
			op:     "loop",
			body:   `{"enabled": true}`,
			status: http.StatusOK,
			check: func(t *testing.T, st models.TrackState) {
				if !st.Loop {
					t.Error("loop not enabled")
				}
			},
		},
		{
			name:   "loop without state",
			op:     "loop",
			body:   `{}`,
			status: http.StatusBadRequest,
		},
		{
			name:   "seek",
			op:     "seek",
			body:   `{"positionMs": 5000}`,
			status: http.StatusOK,
			check: func(t *testing.T, st models.TrackState) {
				if st.PositionMs < 5000 {
					t.Errorf("position = %dms, want at least 5000", st.PositionMs)
				}
			},
		},
		{
			name:   "fade",
			op:     "fade",
			status: http.StatusOK,
			check: func(t *testing.T, st models.TrackState) {
				if st.Fade != models.FadeFadingOut {
					t.Errorf("fade = %s, want fading_out", st.Fade)
				}
				if st.Controls.PlayEnabled {
					t.Error("play control enabled during fade")
				}
			},
		},
		{
			name:   "stop",
			op:     "stop",
			status: http.StatusOK,
			check: func(t *testing.T, st models.TrackState) {
				if st.Playback != models.PlaybackStopped || st.Fade != models.FadeIdle {
					t.Errorf("state = %s/%s, want stopped/idle", st.Playback, st.Fade)
				}
				if st.Volume != 40 {
					t.Errorf("volume = %d, want 40 kept after stop", st.Volume)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, "POST", trackURL(tr.ID, tt.op), tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
			if tt.check != nil {
				var st models.TrackState
				decode(t, w, &st)
				tt.check(t, st)
			}
		})
	}
}

func TestUnknownTrackReturnsNotFound(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		method string
		path   string
	}{
		{"GET", trackURL(42, "")},
		{"POST", trackURL(42, "play")},
		{"DELETE", trackURL(42, "")},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			if w := ts.do(t, tt.method, tt.path, ""); w.Code != http.StatusNotFound {
				t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
			}
		})
	}

	if w := ts.do(t, "POST", "/api/tracks/abc/play", ""); w.Code != http.StatusBadRequest {
		t.Errorf("malformed ID status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestRemoveTrack(t *testing.T) {
	ts := newTestServer(t, nil)
	tr := ts.addTrack(t, "bed.wav")

	if w := ts.do(t, "DELETE", trackURL(tr.ID, ""), ""); w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}

	var st models.SessionState
	decode(t, ts.do(t, "GET", "/api/session", ""), &st)
	if len(st.Tracks) != 0 {
		t.Errorf("session still lists %d tracks", len(st.Tracks))
	}
}

func TestSessionWideControls(t *testing.T) {
	ts := newTestServer(t, nil)
	a := ts.addTrack(t, "a.wav")
	b := ts.addTrack(t, "b.wav")
	ts.addTrack(t, "c.wav")

	ts.do(t, "POST", trackURL(a.ID, "play"), "")
	ts.do(t, "POST", trackURL(b.ID, "play"), "")

	var fading map[string]int
	decode(t, ts.do(t, "POST", "/api/fade-all", ""), &fading)
	if fading["fading"] != 2 {
		t.Errorf("fading = %d, want 2", fading["fading"])
	}

	if w := ts.do(t, "POST", "/api/kill-all", ""); w.Code != http.StatusOK {
		t.Fatalf("kill-all status = %d", w.Code)
	}

	var st models.SessionState
	decode(t, ts.do(t, "GET", "/api/session", ""), &st)
	if len(st.Tracks) != 3 {
		t.Fatalf("tracks = %d, want 3", len(st.Tracks))
	}
	for _, tr := range st.Tracks {
		if tr.Playback != models.PlaybackStopped || tr.Fade != models.FadeIdle {
			t.Errorf("track %d = %s/%s after kill-all", tr.ID, tr.Playback, tr.Fade)
		}
	}
}

func TestSetFadeDurationClamps(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		body string
		want float64
	}{
		{`{"seconds": 2.5}`, 2.5},
		{`{"seconds": 45}`, session.MaxFadeDuration},
		{`{"seconds": 0}`, session.MinFadeDuration},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			w := ts.do(t, "POST", "/api/fade-duration", tt.body)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d", w.Code)
			}
			var resp map[string]float64
			decode(t, w, &resp)
			if resp["seconds"] != tt.want {
				t.Errorf("seconds = %v, want %v", resp["seconds"], tt.want)
			}
		})
	}
}

func TestDeviceSelection(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.addTrack(t, "a.wav")

	var devices struct {
		Devices  []models.Device `json:"devices"`
		Selected models.Device   `json:"selected"`
	}
	decode(t, ts.do(t, "GET", "/api/devices", ""), &devices)
	if len(devices.Devices) != 2 || devices.Selected.Description != "Main PA" {
		t.Fatalf("unexpected devices %+v", devices)
	}

	foyer := devices.Devices[1]
	w := ts.do(t, "POST", "/api/device", `{"id": "`+foyer.ID+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var selected models.Device
	decode(t, w, &selected)
	if selected.ID != foyer.ID {
		t.Errorf("selected = %s, want %s", selected.ID, foyer.ID)
	}

	if w := ts.do(t, "POST", "/api/device", `{"id": "nope"}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if w := ts.do(t, "POST", "/api/device", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing device status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestSaveSessionWritesSettings(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.addTrack(t, "a.wav")

	if w := ts.do(t, "POST", "/api/session/save", ""); w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if _, err := os.Stat(filepath.Join(ts.dir, "bgm_config.json")); err != nil {
		t.Errorf("settings file not written: %v", err)
	}
}

func TestGetLogListsEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	tr := ts.addTrack(t, "a.wav")
	ts.do(t, "POST", trackURL(tr.ID, "play"), "")

	w := ts.do(t, "GET", "/api/log?limit=10", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var entries []models.LogEntry
	decode(t, w, &entries)
	if len(entries) < 2 {
		t.Fatalf("log has %d entries, want at least 2", len(entries))
	}
	if entries[0].Event != "play" {
		t.Errorf("newest event = %q, want play", entries[0].Event)
	}

	if w := ts.do(t, "GET", "/api/log?limit=0", ""); w.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestBoostJobsListed(t *testing.T) {
	ts := newTestServer(t, nil)
	tr := ts.addTrack(t, "a.wav")

	w := ts.do(t, "POST", trackURL(tr.ID, "boost"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st models.TrackState
	decode(t, w, &st)
	if st.Boost != models.BoostRunning {
		t.Errorf("boost = %s, want boosting", st.Boost)
	}

	var jobs []boost.Job
	decode(t, ts.do(t, "GET", "/api/boost/jobs", ""), &jobs)
	if len(jobs) != 1 || jobs[0].TrackID != tr.ID {
		t.Fatalf("jobs = %+v, want one job for track %d", jobs, tr.ID)
	}

	w = ts.do(t, "GET", "/api/boost/jobs/"+jobs[0].ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("job status = %d", w.Code)
	}
	var job boost.Job
	decode(t, w, &job)
	if job.ID != jobs[0].ID || job.SourcePath != tr.OriginalPath {
		t.Errorf("job = %+v", job)
	}

	if w := ts.do(t, "GET", "/api/boost/jobs/no-such-job", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown job status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestEventsStreamSendsInitialState(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.addTrack(t, "a.wav")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := httptest.NewRequest("GET", "/api/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, r)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := w.Body.String()
	if !strings.HasPrefix(body, "event: state\ndata: ") {
		t.Fatalf("unexpected stream start %q", body)
	}
	if ts.cs.state.Subscribers() != 0 {
		t.Errorf("subscriber leaked after disconnect")
	}
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.addTrack(t, "a.wav")

	w := ts.do(t, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var h HealthStatus
	decode(t, w, &h)
	if h.Status != "healthy" || h.Tracks != 1 || h.BoostBackend != "native" {
		t.Errorf("unexpected health %+v", h)
	}

	ts.runner.stopped = true
	if w := ts.do(t, "GET", "/health", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("stopped loop status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if w := ts.do(t, "GET", "/api/session", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("session status with stopped loop = %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, &config.AuthConfig{
		Enabled:         true,
		Username:        "operator",
		Password:        "show-night",
		SessionDuration: "1h",
	})

	if w := ts.do(t, "GET", "/api/session", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if w := ts.do(t, "GET", "/health", ""); w.Code != http.StatusOK {
		t.Errorf("health should stay public, got %d", w.Code)
	}

	r := httptest.NewRequest("GET", "/api/session", nil)
	r.SetBasicAuth("operator", "show-night")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("basic auth status = %d, want %d", w.Code, http.StatusOK)
	}

	if w := ts.do(t, "POST", "/api/auth/login", `{"username":"operator","password":"wrong"}`); w.Code != http.StatusUnauthorized {
		t.Errorf("bad login status = %d", w.Code)
	}

	login := ts.do(t, "POST", "/api/auth/login", `{"username":"operator","password":"show-night"}`)
	if login.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", login.Code, login.Body.String())
	}
	cookies := login.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("login did not set a session cookie")
	}

	r = httptest.NewRequest("GET", "/api/session", nil)
	r.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	ts.handler.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("cookie auth status = %d, want %d", w.Code, http.StatusOK)
	}

	r = httptest.NewRequest("POST", "/api/auth/logout", nil)
	r.AddCookie(cookies[0])
	ts.handler.ServeHTTP(httptest.NewRecorder(), r)

	r = httptest.NewRequest("GET", "/api/session", nil)
	r.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	ts.handler.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status after logout = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}
