package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

type rootOptions struct {
	envFile string
	player  string
	volume  int
	verbose bool
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:     "vai-sonic-cli",
		Short:   "Talk to Nova Sonic from the terminal",
		Version: version,
		Long: `A terminal voice client. It captures the microphone with ffmpeg, streams it to
the speech model, plays replies through ffplay, and prints the transcript.`,
		Example: `  # Start a spoken conversation
  $ vai-sonic-cli talk

  # Check that playback works
  $ vai-sonic-cli tone --freq 440 --duration 2s`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(opts.envFile)
		},
	}
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.CompletionOptions.DisableDefaultCmd = true

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading configuration")
	flags.StringVar(&opts.player, "player", "ffplay", "path to the ffplay binary")
	flags.IntVar(&opts.volume, "volume", 80, "playback volume (1-100)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log debug output to stderr")

	cmd.AddCommand(newTalkCmd(opts))
	cmd.AddCommand(newToneCmd(opts))
	return cmd
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (o *rootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
