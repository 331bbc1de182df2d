package transmux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"torrentcast/internal/domain"
)

// remuxArgs builds the streaming fragmented-MP4 command line used when a
// container the browser cannot play (mkv, avi, wmv, flv) is requested over
// the direct byte endpoint. Video is copied; audio is recoded to AAC.
// frag_keyframe+empty_moov makes the output playable before the file ends.
func remuxArgs(source string) []string {
	return []string{
		"-i", source,
		"-movflags", "frag_keyframe+empty_moov",
		"-f", "mp4",
		"-vcodec", "copy",
		"-acodec", "aac",
		"-b:a", "192k",
		"pipe:1",
	}
}

// RemuxMP4 spawns the encoder and copies its stdout into w until the source
// is exhausted or ctx is cancelled. The process is owned by the request:
// cancellation (client disconnect) kills it.
func RemuxMP4(ctx context.Context, ffmpegPath, source string, w io.Writer, logger *slog.Logger) error {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.CommandContext(ctx, ffmpegPath, remuxArgs(source)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	ring := newLineRing(stderrTailLines)
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransmuxFailed, err)
	}
	logger.Info("remux started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("source", source),
	)

	go func() {
		scanner := bufio.NewScanner(stderrPipe)
		scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for scanner.Scan() {
			ring.Append(scanner.Text())
		}
	}()

	_, copyErr := io.Copy(w, stdout)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		// Client went away; the kill is the expected outcome.
		logger.Info("remux cancelled", slog.String("source", source))
		return ctx.Err()
	}
	if waitErr != nil {
		tail := ring.Tail()
		if len(tail) > 0 {
			return fmt.Errorf("%w: %v; stderr: %s",
				domain.ErrTransmuxFailed, waitErr, strings.Join(tail, " | "))
		}
		return fmt.Errorf("%w: %v", domain.ErrTransmuxFailed, waitErr)
	}
	if copyErr != nil && !errors.Is(copyErr, context.Canceled) {
		return copyErr
	}
	return nil
}
