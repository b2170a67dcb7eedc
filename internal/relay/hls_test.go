package relay

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zaplinktv/zaplink/internal/proc"
	"github.com/zaplinktv/zaplink/internal/transcode"
	"github.com/zaplinktv/zaplink/internal/tuner"
)

const stubPlaylist = "#EXTM3U\n" +
	"#EXT-X-VERSION:3\n" +
	"#EXT-X-TARGETDURATION:2\n" +
	"#EXTINF:2.0,\n" +
	"seg_00001.ts\n" +
	"#EXTINF:2.0,\n" +
	"seg_00002.m4s\n"

// stubStarter stands in for the pipeline runner: it leases a real tuner,
// parks two sleep children on it, and writes a playlist immediately.
type stubStarter struct {
	pool     *tuner.Pool
	started  atomic.Int32
	playlist bool
}

func (s *stubStarter) StartHLS(channel string, opts transcode.Options) (*Pipeline, error) {
	s.started.Add(1)

	lease := s.pool.Acquire(tuner.ClassStream)
	if lease == nil {
		return nil, ErrNoTuner
	}
	capture, err := proc.Spawn([]string{"sleep", "60"}, proc.DevNull(), proc.DevNull())
	if err != nil {
		lease.Release()
		return nil, err
	}
	encode, err := proc.Spawn([]string{"sleep", "60"}, proc.DevNull(), proc.DevNull())
	if err != nil {
		_ = capture.Terminate(proc.DefaultTerminateGrace)
		lease.Release()
		return nil, err
	}
	if err := lease.SetChildren(capture, encode); err != nil {
		return nil, err
	}

	if s.playlist {
		if err := os.WriteFile(filepath.Join(opts.Destination, "index.m3u8"), []byte(stubPlaylist), 0o644); err != nil {
			return nil, err
		}
	}
	return &Pipeline{Lease: lease, Capture: capture, Encode: encode}, nil
}

func newTestPoolForHLS(t *testing.T, n int) *tuner.Pool {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		require.NoError(t, os.Mkdir(filepath.Join(dir, "adapter"+string(rune('0'+i))), 0o755))
	}
	tuners, err := tuner.Discover(dir)
	require.NoError(t, err)
	return tuner.NewPool(tuners, nil)
}

func newTestManager(t *testing.T, tuners, maxSessions int, timeout time.Duration) (*HLSManager, *stubStarter) {
	t.Helper()
	starter := &stubStarter{pool: newTestPoolForHLS(t, tuners), playlist: true}
	m := NewHLSManager(t.TempDir(), maxSessions, timeout, 500*time.Millisecond, starter, nil)
	m.pollInterval = 10 * time.Millisecond
	t.Cleanup(m.Shutdown)
	return m, starter
}

func testFingerprint(channel string) Fingerprint {
	return Fingerprint{
		Channel: channel,
		Backend: transcode.BackendSoftware,
		Codec:   transcode.CodecH264,
	}
}

func TestResolvePlaylistRewritesSegmentLines(t *testing.T) {
	m, starter := newTestManager(t, 1, 4, time.Minute)

	data, id, err := m.ResolvePlaylist(testFingerprint("5.1"))
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.NotContains(t, id, "/")
	assert.Equal(t, int32(1), starter.started.Load())

	lines := strings.Split(string(data), "\n")
	for _, line := range lines {
		if strings.HasSuffix(line, ".ts") || strings.HasSuffix(line, ".m4s") {
			assert.True(t, strings.HasPrefix(line, "/hls/"+id+"/"), "line %q", line)
		} else {
			assert.NotContains(t, line, "/hls/", "non-segment line %q rewritten", line)
		}
	}
	assert.Contains(t, string(data), "/hls/"+id+"/seg_00001.ts")
	assert.Contains(t, string(data), "/hls/"+id+"/seg_00002.m4s")
	assert.Contains(t, string(data), "#EXT-X-TARGETDURATION:2")
}

func TestResolvePlaylistDedupsConcurrentRequests(t *testing.T) {
	m, starter := newTestManager(t, 1, 4, time.Minute)
	fp := testFingerprint("5.1")

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := 0; i < len(ids); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, id, err := m.ResolvePlaylist(fp)
			if assert.NoError(t, err) {
				ids[i] = id
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), starter.started.Load())
	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, m.ActiveSessions())
}

func TestResolvePlaylistDistinctFingerprints(t *testing.T) {
	m, starter := newTestManager(t, 2, 4, time.Minute)

	_, id1, err := m.ResolvePlaylist(testFingerprint("5.1"))
	require.NoError(t, err)
	_, id2, err := m.ResolvePlaylist(testFingerprint("7.1"))
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
	assert.Equal(t, int32(2), starter.started.Load())
}

func TestResolvePlaylistTimesOutWithoutPlaylist(t *testing.T) {
	starter := &stubStarter{pool: newTestPoolForHLS(t, 1), playlist: false}
	m := NewHLSManager(t.TempDir(), 4, time.Minute, 50*time.Millisecond, starter, nil)
	m.pollInterval = 10 * time.Millisecond
	t.Cleanup(m.Shutdown)

	_, _, err := m.ResolvePlaylist(testFingerprint("5.1"))
	assert.ErrorIs(t, err, ErrRetry)

	// The session keeps warming up; it is still deduped.
	_, _, err = m.ResolvePlaylist(testFingerprint("5.1"))
	assert.ErrorIs(t, err, ErrRetry)
	assert.Equal(t, int32(1), starter.started.Load())
}

func TestSessionLimit(t *testing.T) {
	m, _ := newTestManager(t, 2, 1, time.Minute)

	_, _, err := m.ResolvePlaylist(testFingerprint("5.1"))
	require.NoError(t, err)

	_, _, err = m.ResolvePlaylist(testFingerprint("7.1"))
	assert.ErrorIs(t, err, ErrSessionLimit)
}

func TestResolveSegment(t *testing.T) {
	m, _ := newTestManager(t, 1, 4, time.Minute)

	_, id, err := m.ResolvePlaylist(testFingerprint("5.1"))
	require.NoError(t, err)

	path, err := m.ResolveSegment(id, "seg_00001.ts")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.root, id, "seg_00001.ts"), path)
}

func TestResolveSegmentRejectsTraversal(t *testing.T) {
	m, _ := newTestManager(t, 1, 4, time.Minute)

	_, err := m.ResolveSegment("..", "seg.ts")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = m.ResolveSegment("abc", "../../etc/passwd")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = m.ResolveSegment("abc", "x/y.ts")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestResolveSegmentUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, 1, 4, time.Minute)

	_, err := m.ResolveSegment("01ARZ3NDEKTSV4RRFFQ69G5FAV", "seg.ts")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestHousekeepReclaimsIdleSession(t *testing.T) {
	m, starter := newTestManager(t, 1, 4, 30*time.Millisecond)

	_, id, err := m.ResolvePlaylist(testFingerprint("5.1"))
	require.NoError(t, err)
	assert.True(t, starter.pool.Held(0))

	time.Sleep(60 * time.Millisecond)
	m.Housekeep()

	assert.Equal(t, 0, m.ActiveSessions())
	assert.False(t, starter.pool.Held(0))
	_, statErr := os.Stat(filepath.Join(m.root, id))
	assert.True(t, os.IsNotExist(statErr))

	_, err = m.ResolveSegment(id, "seg_00001.ts")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestHousekeepKeepsActiveSession(t *testing.T) {
	m, starter := newTestManager(t, 1, 4, time.Minute)

	_, _, err := m.ResolvePlaylist(testFingerprint("5.1"))
	require.NoError(t, err)

	m.Housekeep()
	assert.Equal(t, 1, m.ActiveSessions())
	assert.True(t, starter.pool.Held(0))
}

func TestHousekeepReclaimsDeadEncoder(t *testing.T) {
	m, _ := newTestManager(t, 1, 4, time.Minute)

	_, _, err := m.ResolvePlaylist(testFingerprint("5.1"))
	require.NoError(t, err)

	m.mu.Lock()
	var s *session
	for _, v := range m.byID {
		s = v
	}
	m.mu.Unlock()
	require.NotNil(t, s)
	require.NoError(t, s.pipeline.Encode.Terminate(proc.DefaultTerminateGrace))

	m.Housekeep()
	assert.Equal(t, 0, m.ActiveSessions())
}

func TestShutdownReclaimsAll(t *testing.T) {
	m, starter := newTestManager(t, 2, 4, time.Minute)

	_, _, err := m.ResolvePlaylist(testFingerprint("5.1"))
	require.NoError(t, err)
	_, _, err = m.ResolvePlaylist(testFingerprint("7.1"))
	require.NoError(t, err)

	m.Shutdown()
	assert.Equal(t, 0, m.ActiveSessions())
	assert.False(t, starter.pool.Held(0))
	assert.False(t, starter.pool.Held(1))
}
