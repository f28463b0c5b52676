package launcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/VDDPI/VDDPI/trust/dispatcher"
	"github.com/VDDPI/VDDPI/trust/exec"
	"github.com/VDDPI/VDDPI/trust/journal"
	"github.com/VDDPI/VDDPI/trust/reftable"
	"github.com/VDDPI/VDDPI/trust/verifier"
)

// Launcher runs one invocation through the dispatcher with
// the compiled-in reference table.
type Launcher struct {
	// Config is validated by Load.
	Config Config

	// Table defaults to reftable.Default.
	Table *reftable.Table

	// Out receives the diagnostic blocks. Nil means
	// stdout.
	Out io.Writer

	// Interpreter overrides the one built from
	// Config.ExecMode.
	Interpreter exec.Interpreter
}

// SetupLogging installs a text slog handler on stderr at
// the configured level. Stdout stays reserved for
// diagnostics and the interpreter.
func SetupLogging(cfg Config) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelWarn
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(
		os.Stderr, &slog.HandlerOptions{Level: level},
	)))
}

// Run dispatches argv and returns the process exit code.
// The error is non-nil only when the launcher itself could
// not be set up; the exit code is then
// dispatcher.ExitRejected.
func (ln *Launcher) Run(ctx context.Context, argv []string) (int, error) {
	const errCtx = "launching"

	tb := ln.Table
	if tb == nil {
		var err error

		tb, err = reftable.Default()
		if err != nil {
			return dispatcher.ExitRejected, fmt.Errorf("%s: %w", errCtx, err)
		}
	}

	missing, err := verifier.ParseMissingPolicy(ln.Config.MissingFile)
	if err != nil {
		return dispatcher.ExitRejected, fmt.Errorf("%s: %w", errCtx, err)
	}

	out := ln.Out
	if out == nil {
		out = os.Stdout
	}

	vf := &verifier.Verifier{
		Out:     out,
		Root:    ln.Config.WorkDir,
		Missing: missing,
	}

	var (
		jn        *journal.Journal
		closeOnce sync.Once
		closeErr  error
	)

	if ln.Config.JournalDir != "" {
		jn, err = journal.Open(ln.Config.JournalDir, ln.Config.JournalKey)
		if err != nil {
			return dispatcher.ExitRejected, fmt.Errorf("%s: %w", errCtx, err)
		}
	}

	closeJournal := func() error {
		closeOnce.Do(func() {
			if jn != nil {
				closeErr = jn.Close()
			}
		})

		return closeErr
	}

	defer func() {
		if err := closeJournal(); err != nil {
			slog.Warn("journal not closed cleanly", "error", err)
		}
	}()

	disp := dispatcher.New(tb, vf, ln.interpreter(closeJournal))
	if jn != nil {
		disp.Recorder = jn
	}

	slog.Debug("launcher configured", "config", ln.Config.Redacted())

	return disp.Run(ctx, argv), nil
}

func (ln *Launcher) interpreter(closeJournal func() error) exec.Interpreter {
	if ln.Interpreter != nil {
		return ln.Interpreter
	}

	if ln.Config.ExecMode == ModeReplace {
		workDir := ln.Config.WorkDir

		return &exec.Replace{
			Path: ln.Config.Interpreter,
			BeforeExec: func() error {
				if err := closeJournal(); err != nil {
					return err
				}

				if workDir == "" {
					return nil
				}

				return os.Chdir(workDir)
			},
		}
	}

	return &exec.Process{
		Path: ln.Config.Interpreter,
		Dir:  ln.Config.WorkDir,
	}
}
