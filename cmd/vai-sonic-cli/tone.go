package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-sonic/pkg/gateway/live/playback"
)

type toneOptions struct {
	freqHz       int
	sampleRateHz int
	duration     time.Duration
	amplitude    float64
	block        time.Duration
}

func newToneCmd(root *rootOptions) *cobra.Command {
	opts := &toneOptions{}
	cmd := &cobra.Command{
		Use:   "tone",
		Short: "Play a test tone through the playback renderer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev := playback.NewFFplayDevice(root.player, root.volume)
			return playTone(cmd.Context(), dev, cmd.OutOrStdout(), root.logger(cmd.ErrOrStderr()), *opts)
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&opts.freqHz, "freq", 440, "tone frequency in Hz")
	flags.IntVar(&opts.sampleRateHz, "rate", 24000, "output sample rate (8000, 16000, or 24000)")
	flags.DurationVar(&opts.duration, "duration", 2*time.Second, "tone length")
	flags.Float64Var(&opts.amplitude, "amplitude", 0.3, "peak amplitude in (0, 1]")
	flags.DurationVar(&opts.block, "block", 20*time.Millisecond, "renderer block period")
	return cmd
}

// playTone renders a sine tone and returns once the buffer has drained.
func playTone(ctx context.Context, dev playback.Device, out io.Writer, logger *slog.Logger, opts toneOptions) error {
	switch opts.sampleRateHz {
	case 8000, 16000, 24000:
	default:
		return fmt.Errorf("rate must be 8000, 16000, or 24000")
	}
	if opts.freqHz <= 0 || opts.duration <= 0 {
		return fmt.Errorf("freq and duration must be > 0")
	}
	if opts.amplitude <= 0 || opts.amplitude > 1 {
		return fmt.Errorf("amplitude must be in (0, 1]")
	}

	tone := playback.SineTone(opts.freqHz, opts.sampleRateHz, opts.duration, opts.amplitude)
	// Preroll covers at most the tone itself so short tones still start.
	preroll := playback.DefaultPreroll(opts.sampleRateHz)
	if preroll > len(tone) {
		preroll = len(tone)
	}
	r := playback.NewRenderer(dev, playback.RendererConfig{
		SampleRateHz:   opts.sampleRateHz,
		BlockPeriod:    opts.block,
		PrerollSamples: preroll,
	}, logger)
	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("start renderer: %w", err)
	}
	defer r.Stop()

	dimColor.Fprintf(out, "playing %d Hz for %s at %d Hz\n", opts.freqHz, opts.duration, opts.sampleRateHz)
	r.Enqueue(playback.EncodePCM16(tone))

	deadline := time.NewTimer(opts.duration + 2*time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(opts.block)
	defer tick.Stop()
	for r.Buffer().Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("playback did not drain (%d samples left)", r.Buffer().Len())
		case <-tick.C:
		}
	}
	return nil
}
