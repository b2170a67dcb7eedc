package relay

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/zaplinktv/zaplink/internal/proc"
	"github.com/zaplinktv/zaplink/internal/transcode"
)

// Fingerprint identifies an HLS variant. Requests with equal fingerprints
// share one underlying pipeline.
type Fingerprint struct {
	Channel     string
	Backend     transcode.Backend
	Codec       transcode.Codec
	Surround51  bool
	BitrateKbps int
}

// session is one live HLS variant: a pipeline writing segments into its
// own directory. Mutations after creation are serialised by the session
// lock; membership in the manager's maps is serialised by the manager
// lock.
type session struct {
	id  string
	fp  Fingerprint
	dir string

	mu          sync.Mutex
	started     bool
	startErr    error
	pipeline    *Pipeline
	lastTouched time.Time
	inactive    bool
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastTouched = now
	s.mu.Unlock()
}

// HLSManager owns the bounded pool of live HLS sessions and the on-disk
// directory tree under root.
type HLSManager struct {
	root         string
	maxSessions  int
	timeout      time.Duration
	playlistWait time.Duration
	pollInterval time.Duration

	starter Starter
	logger  *slog.Logger

	mu   sync.Mutex
	byFP map[Fingerprint]*session
	byID map[string]*session
}

// NewHLSManager creates a session manager. Sessions are started through
// starter, which in production is the pipeline Runner.
func NewHLSManager(root string, maxSessions int, timeout, playlistWait time.Duration, starter Starter, logger *slog.Logger) *HLSManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &HLSManager{
		root:         root,
		maxSessions:  maxSessions,
		timeout:      timeout,
		playlistWait: playlistWait,
		pollInterval: 100 * time.Millisecond,
		starter:      starter,
		logger:       logger,
		byFP:         make(map[Fingerprint]*session),
		byID:         make(map[string]*session),
	}
}

// ResolvePlaylist returns the rewritten playlist for the given variant,
// starting a session when none exists. Concurrent requests for the same
// fingerprint collapse onto one pipeline. When the encoder has not yet
// produced the playlist within the wait budget, ErrRetry is returned and
// the session keeps warming up.
func (m *HLSManager) ResolvePlaylist(fp Fingerprint) ([]byte, string, error) {
	s, err := m.ensureSession(fp)
	if err != nil {
		return nil, "", err
	}

	if err := m.ensureStarted(s); err != nil {
		return nil, "", err
	}
	s.touch(time.Now())

	path := filepath.Join(s.dir, "index.m3u8")
	deadline := time.Now().Add(m.playlistWait)
	for {
		data, err := os.ReadFile(path)
		if err == nil {
			return rewritePlaylist(data, s.id), s.id, nil
		}
		if time.Now().After(deadline) {
			return nil, "", ErrRetry
		}
		time.Sleep(m.pollInterval)
	}
}

// ResolveSegment validates the request and returns the on-disk path of
// the segment, refreshing the session's activity clock. The caller
// serves the file; a missing file is its NotFound.
func (m *HLSManager) ResolveSegment(sessionID, filename string) (string, error) {
	if strings.Contains(sessionID, "..") || strings.Contains(filename, "..") ||
		strings.ContainsRune(sessionID, '/') || strings.ContainsRune(filename, '/') {
		return "", ErrForbidden
	}

	m.mu.Lock()
	s := m.byID[sessionID]
	m.mu.Unlock()
	if s == nil {
		return "", ErrSessionNotFound
	}
	s.touch(time.Now())

	return filepath.Join(m.root, sessionID, filename), nil
}

// Housekeep sweeps sessions whose encoder died or that have been idle
// past the timeout. Called periodically from the scheduler.
func (m *HLSManager) Housekeep() {
	now := time.Now()
	for _, s := range m.snapshot() {
		s.mu.Lock()
		dead := s.started && s.pipeline != nil &&
			s.pipeline.Encode.Poll().Status != proc.StatusAlive
		idle := now.Sub(s.lastTouched) > m.timeout
		s.mu.Unlock()

		if dead || idle {
			reason := "idle"
			if dead {
				reason = "encoder exited"
			}
			m.logger.Info("reclaiming hls session",
				slog.String("id", s.id),
				slog.String("channel", s.fp.Channel),
				slog.String("reason", reason))
			m.teardown(s)
		}
	}
}

// Shutdown tears down every active session.
func (m *HLSManager) Shutdown() {
	for _, s := range m.snapshot() {
		m.teardown(s)
	}
}

// ActiveSessions returns how many sessions are live.
func (m *HLSManager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byFP)
}

// ensureSession finds or allocates the session slot for fp under the
// manager lock, so allocation is linearizable and two concurrent
// requests cannot both allocate.
func (m *HLSManager) ensureSession(fp Fingerprint) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.byFP[fp]; s != nil {
		return s, nil
	}
	if len(m.byFP) >= m.maxSessions {
		return nil, ErrSessionLimit
	}

	s := &session{
		id:          ulid.Make().String(),
		fp:          fp,
		lastTouched: time.Now(),
	}
	s.dir = filepath.Join(m.root, s.id)
	m.byFP[fp] = s
	m.byID[s.id] = s
	return s, nil
}

// ensureStarted spins up the pipeline exactly once per session. The
// session lock makes late arrivals wait for the first starter call
// rather than racing it.
func (m *HLSManager) ensureStarted(s *session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inactive {
		return ErrSessionNotFound
	}
	if s.started {
		return s.startErr
	}
	s.started = true

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.startErr = err
	} else {
		opts := transcode.Options{
			Backend:     s.fp.Backend,
			Codec:       s.fp.Codec,
			Surround51:  s.fp.Surround51,
			BitrateKbps: s.fp.BitrateKbps,
			Output:      transcode.OutputHLS,
			Destination: s.dir,
		}
		s.pipeline, s.startErr = m.starter.StartHLS(s.fp.Channel, opts)
	}

	if s.startErr != nil {
		s.inactive = true
		m.unlink(s)
		os.RemoveAll(s.dir)
	}
	return s.startErr
}

// teardown terminates the session's pipeline, removes its directory, and
// drops it from the maps. Safe to call more than once.
func (m *HLSManager) teardown(s *session) {
	s.mu.Lock()
	if s.inactive {
		s.mu.Unlock()
		return
	}
	s.inactive = true
	p := s.pipeline
	s.pipeline = nil
	s.mu.Unlock()

	if p != nil {
		p.Stop()
	}
	m.unlink(s)
	if err := os.RemoveAll(s.dir); err != nil {
		m.logger.Warn("removing session directory",
			slog.String("dir", s.dir), slog.Any("error", err))
	}
}

func (m *HLSManager) unlink(s *session) {
	m.mu.Lock()
	if m.byFP[s.fp] == s {
		delete(m.byFP, s.fp)
	}
	delete(m.byID, s.id)
	m.mu.Unlock()
}

func (m *HLSManager) snapshot() []*session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s)
	}
	return out
}

// rewritePlaylist prefixes segment lines with the session's URL path so
// clients fetch segments through the server. Non-segment lines pass
// through untouched.
func rewritePlaylist(data []byte, sessionID string) []byte {
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		if strings.HasSuffix(trimmed, ".ts") || strings.HasSuffix(trimmed, ".m4s") {
			lines[i] = "/hls/" + sessionID + "/" + trimmed
		}
	}
	return []byte(strings.Join(lines, "\n"))
}
