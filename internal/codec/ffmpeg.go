// Package codec wraps the external ffmpeg process that transcodes an
// arbitrary audio source into 48kHz stereo Ogg-Opus, and the container
// auto-probe that lets the fast path skip ffmpeg entirely.
package codec

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// Options configure a single ffmpeg invocation.
type Options struct {
	FFMpegPath string
	SeekMS     int64
	FilterArgs string // resolved -af graph, empty to omit
}

// Transcoder spawns ffmpeg and exposes its stdout as an Ogg-Opus stream.
type Transcoder struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

// Start launches ffmpeg with stdin wired to src and stdout available for
// reading Ogg-Opus frames. The caller owns closing/cancelling via ctx.
func Start(ctx context.Context, src io.Reader, opts Options) (*Transcoder, error) {
	path := opts.FFMpegPath
	if strings.TrimSpace(path) == "" {
		path = "ffmpeg"
	}

	args := buildArgs(opts)
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = src

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("codec: ffmpeg stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("codec: ffmpeg start: %w", err)
	}

	return &Transcoder{cmd: cmd, stdout: stdout}, nil
}

// Stdout returns the Ogg-Opus byte stream produced by ffmpeg.
func (t *Transcoder) Stdout() io.Reader { return t.stdout }

// Close kills ffmpeg and waits for it to exit, releasing the subprocess.
func (t *Transcoder) Close() error {
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	return t.cmd.Wait()
}

func buildArgs(opts Options) []string {
	args := []string{}
	if opts.SeekMS > 0 {
		args = append(args, "-ss", strconv.FormatInt(opts.SeekMS, 10)+"ms", "-accurate_seek")
	}
	args = append(args,
		"-i", "-",
		"-analyzeduration", "0",
		"-loglevel", "0",
		"-f", "s16le",
		"-acodec", "libopus",
		"-f", "opus",
		"-ar", "48000",
		"-ac", "2",
	)
	if opts.FilterArgs != "" {
		args = append(args, "-af", opts.FilterArgs)
	}
	args = append(args, "pipe:1")
	return args
}
