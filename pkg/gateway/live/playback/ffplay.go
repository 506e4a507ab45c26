package playback

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
)

// FFplayDevice plays blocks by piping PCM16LE into an ffplay subprocess.
type FFplayDevice struct {
	Path     string
	LogLevel string
	Volume   int

	mu         sync.Mutex
	sampleRate int
	cmd        *exec.Cmd
	stdin      io.WriteCloser
}

func NewFFplayDevice(path string, volume int) *FFplayDevice {
	if strings.TrimSpace(path) == "" {
		path = "ffplay"
	}
	if volume <= 0 {
		volume = 80
	}
	return &FFplayDevice{Path: path, LogLevel: "error", Volume: volume}
}

func (d *FFplayDevice) Open(sampleRateHz int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sampleRate = sampleRateHz
	return d.startLocked()
}

func (d *FFplayDevice) startLocked() error {
	if d.cmd != nil && d.cmd.Process != nil {
		return nil
	}
	// ffplay takes -ch_layout rather than ffmpeg's -ac.
	args := []string{
		"-hide_banner",
		"-loglevel", d.LogLevel,
		"-nostats",
		"-volume", fmt.Sprintf("%d", d.Volume),
		"-nodisp",
		"-f", "s16le",
		"-ch_layout", "mono",
		"-ar", fmt.Sprintf("%d", d.sampleRate),
		"-i", "-",
	}
	cmd := exec.Command(d.Path, args...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		// SDL may pick a silent dummy backend on macOS.
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start ffplay: %w", err)
	}
	d.cmd = cmd
	d.stdin = stdin
	go func(c *exec.Cmd) {
		_ = c.Wait()
		d.mu.Lock()
		if d.cmd == c {
			d.cmd = nil
			d.stdin = nil
		}
		d.mu.Unlock()
	}(cmd)
	return nil
}

func (d *FFplayDevice) Write(block []float32) error {
	d.mu.Lock()
	stdin := d.stdin
	d.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("ffplay is not running")
	}
	_, err := stdin.Write(EncodePCM16(block))
	return err
}

func (d *FFplayDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stdin != nil {
		_ = d.stdin.Close()
	}
	if d.cmd != nil && d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
	d.cmd = nil
	d.stdin = nil
	return nil
}
