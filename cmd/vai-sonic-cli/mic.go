package main

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"

	"github.com/vango-go/vai-sonic/pkg/gateway/live/protocol"
)

// micChunkBytes is 1024 PCM16 samples at 16 kHz, about 64ms.
const micChunkBytes = 2048

// ffmpegMic reads mono PCM16LE at the model's input rate from the default
// capture device.
type ffmpegMic struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func newFFmpegMic(path string) (*ffmpegMic, error) {
	if path == "" {
		path = "ffmpeg"
	}
	if _, err := exec.LookPath(path); err != nil {
		return nil, errors.New("ffmpeg is required for mic capture (install ffmpeg and ensure it is in PATH)")
	}
	args, err := micFFmpegArgs(runtime.GOOS)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg mic capture: %w", err)
	}
	return &ffmpegMic{cmd: cmd, stdout: stdout}, nil
}

func micFFmpegArgs(goos string) ([]string, error) {
	var input []string
	switch goos {
	case "darwin":
		input = []string{"-f", "avfoundation", "-i", ":0"}
	case "linux":
		input = []string{"-f", "pulse", "-i", "default"}
	case "windows":
		input = []string{"-f", "dshow", "-i", "audio=default"}
	default:
		return nil, fmt.Errorf("mic capture is not implemented for %s", goos)
	}
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, input...)
	return append(args,
		"-ac", "1", "-ar", fmt.Sprintf("%d", protocol.InputSampleRateHz),
		"-f", "s16le", "-",
	), nil
}

func (m *ffmpegMic) Read(p []byte) (int, error) {
	if m == nil || m.stdout == nil {
		return 0, io.EOF
	}
	return m.stdout.Read(p)
}

func (m *ffmpegMic) Close() error {
	if m == nil {
		return nil
	}
	if m.cmd != nil && m.cmd.Process != nil {
		_ = m.cmd.Process.Kill()
		_ = m.cmd.Wait()
	}
	return nil
}

type audioSender interface {
	SendAudio(pcm []byte) bool
}

// pumpMic forwards fixed-size chunks until the reader fails. A trailing
// partial chunk is sent as is.
func pumpMic(r io.Reader, dst audioSender) (chunks int, err error) {
	buf := make([]byte, micChunkBytes)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if n%2 == 1 {
				n--
			}
			if n > 0 && dst.SendAudio(buf[:n]) {
				chunks++
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return chunks, nil
		default:
			return chunks, err
		}
	}
}
