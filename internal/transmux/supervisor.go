// Package transmux owns the external encoder processes: the per-torrent HLS
// supervisor that repackages a video file into a playlist plus MPEG-TS
// segments, and the per-request fragmented-MP4 remux pipe.
package transmux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"torrentcast/internal/domain"
	"torrentcast/internal/metrics"
)

const (
	// PlaylistName and segmentPattern define the fixed HLS layout inside
	// the per-torrent output directory.
	PlaylistName   = "stream.m3u8"
	segmentPattern = "segment%03d.ts"

	// stderrTailLines bounds the crash-diagnostic ring.
	stderrTailLines = 20

	// killGrace is how long Reap waits after the graceful signal before
	// killing the process outright.
	killGrace = 5 * time.Second
)

type Config struct {
	FFmpegPath      string
	SourceTimeout   time.Duration // wait for the source file to appear on disk
	PlaylistTimeout time.Duration // wait for the playlist after spawn
	Logger          *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.SourceTimeout <= 0 {
		c.SourceTimeout = 300 * time.Second
	}
	if c.PlaylistTimeout <= 0 {
		c.PlaylistTimeout = 120 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Supervisor owns one running HLS encoder process. It is owned by the
// torrent record, not by any request: request cancellation never touches it.
type Supervisor struct {
	cmd      *exec.Cmd
	dir      string
	playlist string
	stderr   *lineRing
	logger   *slog.Logger

	done    chan struct{} // closed when the process has exited
	waitErr error         // valid after done is closed
}

// hlsArgs builds the fixed encoder command line: container remux with the
// video stream copied and audio recoded to AAC for HLS compatibility.
// hls_list_size=0 keeps every segment so the player can seek back.
func hlsArgs(source, dir string) []string {
	return []string{
		"-i", source,
		"-c:a", "aac",
		"-c:v", "copy",
		"-f", "hls",
		"-hls_time", "10",
		"-hls_list_size", "0",
		"-hls_segment_filename", filepath.Join(dir, segmentPattern),
		filepath.Join(dir, PlaylistName),
	}
}

// Start waits for the source file to appear, spawns the encoder, and blocks
// until the playlist exists. It fails with domain.ErrSourceTimeout when the
// source never materializes and domain.ErrTransmuxFailed (carrying the last
// stderr lines) when the process dies or never produces a playlist.
func Start(ctx context.Context, cfg Config, source, dir string) (*Supervisor, error) {
	cfg = cfg.withDefaults()

	if err := waitForFile(ctx, source, cfg.SourceTimeout); err != nil {
		if errors.Is(err, errWaitTimeout) {
			return nil, fmt.Errorf("%w: %s", domain.ErrSourceTimeout, source)
		}
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	// The process must outlive the caller's request context; it belongs to
	// the torrent. Only Reap stops it.
	cmd := exec.Command(cfg.FFmpegPath, hlsArgs(source, dir)...)
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = nil

	s := &Supervisor{
		cmd:      cmd,
		dir:      dir,
		playlist: filepath.Join(dir, PlaylistName),
		stderr:   newLineRing(stderrTailLines),
		logger:   cfg.Logger,
		done:     make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransmuxFailed, err)
	}
	metrics.TransmuxStartsTotal.Inc()
	cfg.Logger.Info("transmuxer started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("source", source),
		slog.String("dir", dir),
	)

	go s.consumeStderr(stderrPipe)
	go func() {
		s.waitErr = cmd.Wait()
		close(s.done)
	}()

	if err := s.awaitPlaylist(ctx, cfg.PlaylistTimeout); err != nil {
		metrics.TransmuxFailuresTotal.Inc()
		s.Reap()
		return nil, err
	}
	return s, nil
}

func (s *Supervisor) consumeStderr(pipe interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		s.stderr.Append(scanner.Text())
	}
}

// awaitPlaylist polls for the playlist file. If the process exits first
// with a failure, the error carries the stderr tail.
func (s *Supervisor) awaitPlaylist(ctx context.Context, timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(s.playlist); err == nil {
			s.logger.Info("transmuxer playlist ready", slog.String("playlist", s.playlist))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return fmt.Errorf("%w: encoder exited before playlist: %v%s",
				domain.ErrTransmuxFailed, s.waitErr, s.stderrSuffix())
		case <-deadline:
			return fmt.Errorf("%w: no playlist after %s%s",
				domain.ErrTransmuxFailed, timeout, s.stderrSuffix())
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) stderrSuffix() string {
	tail := s.stderr.Tail()
	if len(tail) == 0 {
		return ""
	}
	return "; stderr: " + strings.Join(tail, " | ")
}

// Playlist returns the absolute playlist path. The supervisor is only ever
// published to the torrent record after the playlist exists, so a caller
// holding a Supervisor may serve this path without re-checking.
func (s *Supervisor) Playlist() string { return s.playlist }

func (s *Supervisor) Dir() string { return s.dir }

// Exited is closed once the encoder process has terminated.
func (s *Supervisor) Exited() <-chan struct{} { return s.done }

// Alive reports whether the process is still running.
func (s *Supervisor) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// StderrTail returns the last captured stderr lines, oldest first.
func (s *Supervisor) StderrTail() []string { return s.stderr.Tail() }

// Reap terminates the encoder (graceful signal, then kill after a grace
// period), waits for it to exit, and deletes the HLS directory tree.
func (s *Supervisor) Reap() {
	if s.Alive() && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		select {
		case <-s.done:
		case <-time.After(killGrace):
			_ = s.cmd.Process.Kill()
			<-s.done
		}
	}
	if err := os.RemoveAll(s.dir); err != nil {
		s.logger.Warn("hls directory removal failed",
			slog.String("dir", s.dir),
			slog.String("error", err.Error()),
		)
	}
	s.logger.Info("transmuxer reaped", slog.String("dir", s.dir))
}

var errWaitTimeout = errors.New("wait timeout")

// waitForFile polls for a path to exist, returning errWaitTimeout when the
// budget is spent.
func waitForFile(ctx context.Context, path string, timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return errWaitTimeout
		case <-ticker.C:
		}
	}
}
