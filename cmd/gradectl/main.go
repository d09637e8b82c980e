// Command gradectl is the operator tool for the grading engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"codegrade/pkg/utils/logger"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/urfave/cli/v3"
)

// errMismatch makes compare exit with status 2 without printing an error.
var errMismatch = errors.New("outputs differ")

func main() {
	app := newApp(os.Stdout, os.Stderr)
	err := app.Run(context.Background(), os.Args)
	switch {
	case err == nil:
	case errors.Is(err, errMismatch):
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, color.RedString("gradectl: %v", err))
		os.Exit(1)
	}
}

func newApp(out, errOut io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "gradectl",
		Usage:     "enqueue, dry-run and inspect grading jobs",
		Writer:    out,
		ErrWriter: errOut,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "worker config file (.yaml or .toml); local commands fall back to built-in defaults",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log worker internals to stderr",
			},
		},
		Commands: []*cli.Command{
			enqueueCommand(),
			gradeCommand(),
			compareCommand(),
			languagesCommand(),
			deadLettersCommand(),
		},
	}
}

// setupLogging returns the terminal logger and routes the worker's zap logger to stderr when verbose.
func setupLogging(cmd *cli.Command) (*slog.Logger, error) {
	verbose := cmd.Bool("verbose")
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
		if err := logger.Init(logger.Config{Level: "debug", Format: "console", OutputPath: "stderr", ErrorPath: "stderr"}); err != nil {
			return nil, fmt.Errorf("init logger failed: %w", err)
		}
	}
	return slog.New(tint.NewHandler(errWriter(cmd), &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		NoColor:    color.NoColor,
	})), nil
}

func outWriter(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func errWriter(cmd *cli.Command) io.Writer {
	if w := cmd.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}
