package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"torrentcast/internal/domain"
	"torrentcast/internal/domain/ports"
	"torrentcast/internal/metrics"
	"torrentcast/internal/scheduler"
	"torrentcast/internal/transmux"
)

const testHash = domain.InfoHash("08ada5a7a6183aae1e09d831df6748d566095a10")

type fakeHandle struct {
	hash      domain.InfoHash
	ready     bool
	name      string
	files     []domain.FileRef
	completed map[int]int64
	paused    bool
	downRate  float64
	upRate    float64
	peers     int

	prios     [][]int
	deadlines []int
	cleared   int
}

func newFakeHandle(hash domain.InfoHash) *fakeHandle {
	return &fakeHandle{hash: hash, completed: map[int]int64{}}
}

func (f *fakeHandle) Hash() domain.InfoHash     { return f.hash }
func (f *fakeHandle) Ready() bool               { return f.ready }
func (f *fakeHandle) Name() string              { return f.name }
func (f *fakeHandle) Files() []domain.FileRef   { return f.files }
func (f *fakeHandle) Stats() domain.HandleStats {
	return domain.HandleStats{
		DownloadBytes: f.downRate,
		UploadBytes:   f.upRate,
		Peers:         f.peers,
		Paused:        f.paused,
	}
}

func (f *fakeHandle) FileBytesCompleted(fileIndex int) int64 { return f.completed[fileIndex] }

func (f *fakeHandle) SetFilePriorities(prios []int) {
	f.prios = append(f.prios, append([]int(nil), prios...))
}

func (f *fakeHandle) SetPieceDeadline(piece int, _ int) {
	f.deadlines = append(f.deadlines, piece)
}

func (f *fakeHandle) ClearPieceDeadlines() { f.cleared++ }

func (f *fakeHandle) PieceRange(fileIndex int, off, length int64) (int, int, bool) {
	if fileIndex < 0 || fileIndex >= len(f.files) || length <= 0 {
		return 0, 0, false
	}
	const pieceSize = 1 << 20
	end := off + length
	if max := f.files[fileIndex].Length; end > max {
		end = max
	}
	if off >= end {
		return 0, 0, false
	}
	return int(off / pieceSize), int((end + pieceSize - 1) / pieceSize), true
}

func (f *fakeHandle) Pause()       { f.paused = true }
func (f *fakeHandle) Resume()      { f.paused = false }
func (f *fakeHandle) Paused() bool { return f.paused }

type fakeSession struct {
	handle  *fakeHandle
	addErr  error
	added   []string
	removed []domain.InfoHash
	alerts  []domain.Alert
}

func (s *fakeSession) Add(_ context.Context, magnet string) (ports.Handle, error) {
	if s.addErr != nil {
		return nil, s.addErr
	}
	s.added = append(s.added, magnet)
	return s.handle, nil
}

func (s *fakeSession) Get(hash domain.InfoHash) (ports.Handle, bool) {
	if s.handle != nil && s.handle.hash == hash {
		return s.handle, true
	}
	return nil, false
}

func (s *fakeSession) Remove(hash domain.InfoHash, _ bool) error {
	s.removed = append(s.removed, hash)
	return nil
}

func (s *fakeSession) DrainAlerts() []domain.Alert {
	out := s.alerts
	s.alerts = nil
	return out
}

func (s *fakeSession) Close() error { return nil }

type fakeTransmuxer struct {
	playlist string

	mu     sync.Mutex
	alive  bool
	reaped int
}

func (f *fakeTransmuxer) Playlist() string     { return f.playlist }
func (f *fakeTransmuxer) StderrTail() []string { return nil }

func (f *fakeTransmuxer) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeTransmuxer) Reap() {
	f.mu.Lock()
	f.reaped++
	f.alive = false
	f.mu.Unlock()
}

func (f *fakeTransmuxer) reapCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reaped
}

func newTestRegistry(t *testing.T, session *fakeSession) *Registry {
	t.Helper()
	sched := scheduler.New(4<<20, nil)
	return New(session, sched, Config{
		DownloadDir:    t.TempDir(),
		HLSDir:         t.TempDir(),
		WarmCachePause: true,
	}, nil)
}

func videoFiles() []domain.FileRef {
	return []domain.FileRef{
		{Index: 0, Path: "movie/subs.srt", Length: 1 << 10},
		{Index: 1, Path: "movie/movie.mp4", Length: 100 << 20, IsVideo: true},
	}
}

func TestAddIsIdempotent(t *testing.T) {
	session := &fakeSession{handle: newFakeHandle(testHash)}
	reg := newTestRegistry(t, session)

	hash, created, err := reg.Add(context.Background(), "magnet:?xt=urn:btih:"+string(testHash))
	if err != nil || !created || hash != testHash {
		t.Fatalf("first Add = (%v, %v, %v)", hash, created, err)
	}

	_, created, err = reg.Add(context.Background(), "magnet:?xt=urn:btih:"+string(testHash))
	if err != nil || created {
		t.Fatalf("second Add created = %v, err = %v, want existing record", created, err)
	}

	status, err := reg.Status(testHash)
	if err != nil {
		t.Fatal(err)
	}
	if status.Status != domain.StateMetadataPending {
		t.Fatalf("fresh torrent state = %s, want metadata_pending", status.Status)
	}
}

func TestAddPropagatesSessionError(t *testing.T) {
	session := &fakeSession{addErr: domain.ErrInvalidMagnet}
	reg := newTestRegistry(t, session)

	_, _, err := reg.Add(context.Background(), "not-a-magnet")
	if !errors.Is(err, domain.ErrInvalidMagnet) {
		t.Fatalf("Add error = %v, want ErrInvalidMagnet", err)
	}
}

func TestRemove(t *testing.T) {
	session := &fakeSession{handle: newFakeHandle(testHash)}
	reg := newTestRegistry(t, session)

	if err := reg.Remove(context.Background(), testHash); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Remove of unknown hash = %v, want ErrNotFound", err)
	}

	if _, _, err := reg.Add(context.Background(), "magnet:?xt=urn:btih:"+string(testHash)); err != nil {
		t.Fatal(err)
	}
	if err := reg.Remove(context.Background(), testHash); err != nil {
		t.Fatalf("Remove = %v", err)
	}
	if len(session.removed) != 1 || session.removed[0] != testHash {
		t.Fatalf("session.Remove calls = %v", session.removed)
	}
	if _, err := reg.Status(testHash); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Status after removal = %v, want ErrNotFound", err)
	}
}

func addPendingTorrent(t *testing.T, reg *Registry) *Torrent {
	t.Helper()
	if _, _, err := reg.Add(context.Background(), "magnet:?xt=urn:btih:"+string(testHash)); err != nil {
		t.Fatal(err)
	}
	record, ok := reg.Get(testHash)
	if !ok {
		t.Fatal("torrent not registered")
	}
	return record
}

func TestAlertMetadataStartsWarmCache(t *testing.T) {
	handle := newFakeHandle(testHash)
	session := &fakeSession{handle: handle}
	reg := newTestRegistry(t, session)
	loop := NewAlertLoop(reg, time.Second)

	record := addPendingTorrent(t, reg)

	handle.ready = true
	handle.name = "Movie"
	handle.files = videoFiles()
	session.alerts = []domain.Alert{{Kind: domain.AlertMetadataReceived, Hash: testHash}}

	loop.tick()

	if got := record.State(); got != domain.StateWarmCaching {
		t.Fatalf("state = %s, want warm_caching", got)
	}
	video, ok := record.VideoFile()
	if !ok || video.Index != 1 {
		t.Fatalf("video file = (%+v, %v), want index 1", video, ok)
	}
	// Everything but the video file is deprioritized and the head window
	// carries deadlines.
	if len(handle.prios) == 0 || handle.prios[0][0] != 0 || handle.prios[0][1] != 1 {
		t.Fatalf("file priorities = %v", handle.prios)
	}
	if len(handle.deadlines) == 0 {
		t.Fatal("no piece deadlines set for the warm window")
	}
}

func TestAlertMetadataWithoutVideoIdlesAndPauses(t *testing.T) {
	handle := newFakeHandle(testHash)
	session := &fakeSession{handle: handle}
	reg := newTestRegistry(t, session)
	loop := NewAlertLoop(reg, time.Second)

	record := addPendingTorrent(t, reg)

	handle.ready = true
	handle.files = []domain.FileRef{{Index: 0, Path: "book.pdf", Length: 1 << 20}}
	session.alerts = []domain.Alert{{Kind: domain.AlertMetadataReceived, Hash: testHash}}

	loop.tick()

	if got := record.State(); got != domain.StateIdle {
		t.Fatalf("state = %s, want idle", got)
	}
	if !handle.paused {
		t.Fatal("video-less torrent not paused")
	}
}

func TestSweepPendingPromotesReadyTorrent(t *testing.T) {
	handle := newFakeHandle(testHash)
	session := &fakeSession{handle: handle}
	reg := newTestRegistry(t, session)
	loop := NewAlertLoop(reg, time.Second)

	record := addPendingTorrent(t, reg)

	// Metadata arrived but the alert was lost; the sweep must still
	// promote the record.
	handle.ready = true
	handle.files = videoFiles()

	loop.tick()

	if got := record.State(); got != domain.StateWarmCaching {
		t.Fatalf("state = %s, want warm_caching after sweep", got)
	}
}

func TestWarmCacheCompletionIdlesAndPauses(t *testing.T) {
	handle := newFakeHandle(testHash)
	session := &fakeSession{handle: handle}
	reg := newTestRegistry(t, session)
	loop := NewAlertLoop(reg, time.Second)

	record := addPendingTorrent(t, reg)
	handle.ready = true
	handle.files = videoFiles()
	session.alerts = []domain.Alert{{Kind: domain.AlertMetadataReceived, Hash: testHash}}
	loop.tick()

	// Window not yet filled: stays warm caching.
	handle.completed[1] = 1 << 20
	session.alerts = []domain.Alert{{Kind: domain.AlertPieceFinished, Hash: testHash, Piece: 1}}
	loop.tick()
	if got := record.State(); got != domain.StateWarmCaching {
		t.Fatalf("state = %s, want warm_caching with partial window", got)
	}

	handle.completed[1] = 4 << 20
	session.alerts = []domain.Alert{{Kind: domain.AlertPieceFinished, Hash: testHash, Piece: 4}}
	loop.tick()

	if got := record.State(); got != domain.StateIdle {
		t.Fatalf("state = %s, want idle after warm cache", got)
	}
	if handle.cleared == 0 {
		t.Fatal("piece deadlines never cleared")
	}
	if !handle.paused {
		t.Fatal("torrent not paused after warm cache")
	}
}

func TestWarmCachePauseDisabled(t *testing.T) {
	handle := newFakeHandle(testHash)
	session := &fakeSession{handle: handle}
	sched := scheduler.New(4<<20, nil)
	reg := New(session, sched, Config{
		DownloadDir:    t.TempDir(),
		HLSDir:         t.TempDir(),
		WarmCachePause: false,
	}, nil)
	loop := NewAlertLoop(reg, time.Second)

	record := addPendingTorrent(t, reg)
	handle.ready = true
	handle.files = videoFiles()
	handle.completed[1] = 4 << 20
	session.alerts = []domain.Alert{
		{Kind: domain.AlertMetadataReceived, Hash: testHash},
		{Kind: domain.AlertPieceFinished, Hash: testHash, Piece: 4},
	}

	loop.tick()

	if got := record.State(); got != domain.StateIdle {
		t.Fatalf("state = %s, want idle", got)
	}
	if handle.paused {
		t.Fatal("torrent paused despite pause policy disabled")
	}
}

func TestAlertErrorStoresMessage(t *testing.T) {
	handle := newFakeHandle(testHash)
	session := &fakeSession{handle: handle}
	reg := newTestRegistry(t, session)
	loop := NewAlertLoop(reg, time.Second)

	record := addPendingTorrent(t, reg)
	session.alerts = []domain.Alert{{Kind: domain.AlertTorrentError, Hash: testHash, Message: "metadata fetch abandoned"}}

	loop.tick()

	if got := record.State(); got != domain.StateErrored {
		t.Fatalf("state = %s, want errored", got)
	}
	status, err := reg.Status(testHash)
	if err != nil {
		t.Fatal(err)
	}
	if status.Error != "metadata fetch abandoned" {
		t.Fatalf("status error = %q", status.Error)
	}
}

func TestAlertFinishedSeeds(t *testing.T) {
	handle := newFakeHandle(testHash)
	session := &fakeSession{handle: handle}
	reg := newTestRegistry(t, session)
	loop := NewAlertLoop(reg, time.Second)

	record := addPendingTorrent(t, reg)
	handle.ready = true
	handle.files = videoFiles()
	session.alerts = []domain.Alert{
		{Kind: domain.AlertMetadataReceived, Hash: testHash},
		{Kind: domain.AlertTorrentFinished, Hash: testHash},
	}

	loop.tick()

	if got := record.State(); got != domain.StateSeeding {
		t.Fatalf("state = %s, want seeding", got)
	}
}

func TestFileSource(t *testing.T) {
	handle := newFakeHandle(testHash)
	session := &fakeSession{handle: handle}
	reg := newTestRegistry(t, session)
	loop := NewAlertLoop(reg, time.Second)

	if _, err := reg.FileSource(testHash, 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown hash error = %v, want ErrNotFound", err)
	}

	record := addPendingTorrent(t, reg)

	if _, err := reg.FileSource(testHash, 0); !errors.Is(err, domain.ErrMetadataNotReady) {
		t.Fatalf("pending metadata error = %v, want ErrMetadataNotReady", err)
	}

	handle.ready = true
	handle.files = []domain.FileRef{
		{Index: 0, Path: "movie/movie.mkv", Length: 100 << 20, IsVideo: true},
	}
	session.alerts = []domain.Alert{{Kind: domain.AlertMetadataReceived, Hash: testHash}}
	loop.tick()
	handle.paused = true

	if _, err := reg.FileSource(testHash, 5); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("bad index error = %v, want ErrNotFound", err)
	}

	src, err := reg.FileSource(testHash, 0)
	if err != nil {
		t.Fatalf("FileSource = %v", err)
	}
	if src.Size != 100<<20 {
		t.Fatalf("source size = %d", src.Size)
	}
	if !src.Remux {
		t.Fatal("mkv source not flagged for remux")
	}
	if handle.paused {
		t.Fatal("swarm not resumed for the range read")
	}
	if got := record.State(); got != domain.StateStreaming {
		t.Fatalf("state = %s, want streaming", got)
	}

	// Prioritize funnels into the scheduler.
	before := len(handle.deadlines)
	src.Prioritize(10<<20, 12<<20)
	if len(handle.deadlines) != before+1 {
		t.Fatal("Prioritize set no deadline")
	}
}

func TestEnsureStreamErrors(t *testing.T) {
	handle := newFakeHandle(testHash)
	session := &fakeSession{handle: handle}
	reg := newTestRegistry(t, session)
	loop := NewAlertLoop(reg, time.Second)

	if _, err := reg.EnsureStream(context.Background(), testHash); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown hash error = %v, want ErrNotFound", err)
	}

	addPendingTorrent(t, reg)
	if _, err := reg.EnsureStream(context.Background(), testHash); !errors.Is(err, domain.ErrMetadataNotReady) {
		t.Fatalf("pending metadata error = %v, want ErrMetadataNotReady", err)
	}

	session.alerts = []domain.Alert{{Kind: domain.AlertTorrentError, Hash: testHash, Message: "boom"}}
	loop.tick()
	if _, err := reg.EnsureStream(context.Background(), testHash); !errors.Is(err, domain.ErrTorrentErrored) {
		t.Fatalf("errored torrent error = %v, want ErrTorrentErrored", err)
	}
}

func TestValidSegmentName(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"segment000.ts", true},
		{"stream.m3u8", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../secret", false},
		{"a/b.ts", false},
		{`a\b.ts`, false},
		{"seg..ts", false},
	}
	for _, tc := range cases {
		if got := validSegmentName(tc.name); got != tc.want {
			t.Errorf("validSegmentName(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestResolveSourcePathRejectsEscape(t *testing.T) {
	session := &fakeSession{handle: newFakeHandle(testHash)}
	reg := newTestRegistry(t, session)

	if _, err := reg.resolveSourcePath("movie/movie.mp4"); err != nil {
		t.Fatalf("in-tree path rejected: %v", err)
	}
	for _, bad := range []string{"", "../outside.mp4", "/etc/passwd", "movie/../../x"} {
		if _, err := reg.resolveSourcePath(bad); err == nil {
			t.Errorf("resolveSourcePath(%q) accepted an escaping path", bad)
		}
	}
}

func TestResumeRecordsAndRestore(t *testing.T) {
	handle := newFakeHandle(testHash)
	session := &fakeSession{handle: handle}
	reg := newTestRegistry(t, session)

	magnet := "magnet:?xt=urn:btih:" + string(testHash)
	if _, _, err := reg.Add(context.Background(), magnet); err != nil {
		t.Fatal(err)
	}

	records := reg.ResumeRecords()
	if len(records) != 1 || records[0].Hash != testHash || records[0].Magnet != magnet {
		t.Fatalf("ResumeRecords = %+v", records)
	}

	// Restore into an empty registry re-admits the torrent paused.
	restored := newTestRegistry(t, session)
	restored.Restore(context.Background(), records)
	if _, ok := restored.Get(testHash); !ok {
		t.Fatal("restored torrent missing")
	}
	if !handle.paused {
		t.Fatal("restored torrent not paused")
	}
}

func TestReapIdleSkipsStreamlessTorrents(t *testing.T) {
	handle := newFakeHandle(testHash)
	session := &fakeSession{handle: handle}
	reg := newTestRegistry(t, session)

	addPendingTorrent(t, reg)
	if got := reg.ReapIdle(time.Now().Add(time.Hour), time.Minute); got != 0 {
		t.Fatalf("ReapIdle reaped %d torrents without a transmuxer", got)
	}
}

// addStreamableTorrent admits a torrent and walks it through metadata so
// EnsureStream can run against it.
func addStreamableTorrent(t *testing.T, reg *Registry, session *fakeSession, handle *fakeHandle) *Torrent {
	t.Helper()
	record := addPendingTorrent(t, reg)
	handle.ready = true
	handle.name = "Movie"
	handle.files = videoFiles()
	session.alerts = []domain.Alert{{Kind: domain.AlertMetadataReceived, Hash: testHash}}
	NewAlertLoop(reg, time.Second).tick()
	return record
}

func TestEnsureStreamSingleFlight(t *testing.T) {
	handle := newFakeHandle(testHash)
	session := &fakeSession{handle: handle}
	reg := newTestRegistry(t, session)
	record := addStreamableTorrent(t, reg, session, handle)

	var starts atomic.Int32
	tm := &fakeTransmuxer{playlist: "stream.m3u8", alive: true}
	reg.startTransmux = func(context.Context, transmux.Config, string, string) (transmuxer, error) {
		starts.Add(1)
		time.Sleep(20 * time.Millisecond)
		return tm, nil
	}

	const clients = 8
	playlists := make([]string, clients)
	errs := make([]error, clients)
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			playlists[i], errs[i] = reg.EnsureStream(context.Background(), testHash)
		}(i)
	}
	wg.Wait()

	for i := 0; i < clients; i++ {
		if errs[i] != nil {
			t.Fatalf("EnsureStream[%d] = %v", i, errs[i])
		}
		if playlists[i] != "stream.m3u8" {
			t.Fatalf("playlist[%d] = %q", i, playlists[i])
		}
	}
	if got := starts.Load(); got != 1 {
		t.Fatalf("encoder started %d times for %d concurrent requests", got, clients)
	}
	if got := record.State(); got != domain.StateStreaming {
		t.Fatalf("state = %s, want streaming", got)
	}
}

func TestEnsureStreamLosesRemovalRace(t *testing.T) {
	handle := newFakeHandle(testHash)
	session := &fakeSession{handle: handle}
	reg := newTestRegistry(t, session)
	addStreamableTorrent(t, reg, session, handle)

	// Removal lands after the spawn succeeds but before the encoder is
	// published on the record. Removal wins and the process must not leak.
	tm := &fakeTransmuxer{playlist: "stream.m3u8", alive: true}
	reg.startTransmux = func(context.Context, transmux.Config, string, string) (transmuxer, error) {
		if err := reg.Remove(context.Background(), testHash); err != nil {
			t.Fatalf("Remove = %v", err)
		}
		return tm, nil
	}

	if _, err := reg.EnsureStream(context.Background(), testHash); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("EnsureStream against removed torrent = %v, want ErrNotFound", err)
	}
	if got := tm.reapCount(); got != 1 {
		t.Fatalf("orphaned encoder reaped %d times, want 1", got)
	}
	if _, ok := reg.Get(testHash); ok {
		t.Fatal("record still registered after removal")
	}
}

func TestTouchHLSKeepsLatest(t *testing.T) {
	record := newTorrent(testHash, "magnet:?xt=urn:btih:"+string(testHash), nil, time.Now())

	later := time.Now()
	earlier := later.Add(-time.Minute)
	record.TouchHLS(later)
	record.TouchHLS(earlier)

	if got := record.HLSLastAccess(); !got.Equal(later) {
		t.Fatalf("access time = %v after stale touch, want %v", got, later)
	}
}

func TestReapIdleReapsExpiredStream(t *testing.T) {
	handle := newFakeHandle(testHash)
	session := &fakeSession{handle: handle}
	reg := newTestRegistry(t, session)
	record := addStreamableTorrent(t, reg, session, handle)

	tm := &fakeTransmuxer{playlist: "stream.m3u8", alive: true}
	reg.startTransmux = func(context.Context, transmux.Config, string, string) (transmuxer, error) {
		return tm, nil
	}
	if _, err := reg.EnsureStream(context.Background(), testHash); err != nil {
		t.Fatalf("EnsureStream = %v", err)
	}

	if got := reg.ReapIdle(time.Now(), time.Minute); got != 0 {
		t.Fatalf("fresh stream reaped: %d", got)
	}
	if got := reg.ReapIdle(time.Now().Add(time.Hour), time.Minute); got != 1 {
		t.Fatalf("ReapIdle = %d, want 1", got)
	}
	if got := tm.reapCount(); got != 1 {
		t.Fatalf("encoder reaped %d times, want 1", got)
	}
	if got := record.State(); got != domain.StateIdle {
		t.Fatalf("state = %s, want idle", got)
	}
	if !handle.paused {
		t.Fatal("swarm not paused after reap")
	}
	if handle.cleared == 0 {
		t.Fatal("piece deadlines not cleared after reap")
	}
}

func TestSampleSwarmAggregatesGauges(t *testing.T) {
	handle := newFakeHandle(testHash)
	handle.downRate = 2048
	handle.upRate = 512
	handle.peers = 7
	session := &fakeSession{handle: handle}
	reg := newTestRegistry(t, session)
	addPendingTorrent(t, reg)

	reg.SampleSwarm()

	if got := testutil.ToFloat64(metrics.DownloadSpeedBytes); got != 2048 {
		t.Fatalf("download gauge = %v, want 2048", got)
	}
	if got := testutil.ToFloat64(metrics.UploadSpeedBytes); got != 512 {
		t.Fatalf("upload gauge = %v, want 512", got)
	}
	if got := testutil.ToFloat64(metrics.PeersConnected); got != 7 {
		t.Fatalf("peers gauge = %v, want 7", got)
	}
}
