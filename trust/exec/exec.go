package exec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	osexec "os/exec"
	"strings"
)

// ErrNoArgs reports an empty argument vector.
var ErrNoArgs = errors.New("empty argument vector")

// Interpreter runs a program with argv and returns its exit
// code. argv[0] is the name the program sees for itself.
type Interpreter interface {
	Run(ctx context.Context, argv []string) (int, error)
}

// ImageReplacer is implemented by interpreters whose
// successful Run never returns to the caller.
type ImageReplacer interface {
	ReplacesImage() bool
}

// ReplacesImage reports whether ip takes over the process
// instead of returning an exit code.
func ReplacesImage(ip Interpreter) bool {
	ir, ok := ip.(ImageReplacer)

	return ok && ir.ReplacesImage()
}

// Func adapts a function to Interpreter.
type Func func(ctx context.Context, argv []string) (int, error)

// Run calls fn.
func (fn Func) Run(ctx context.Context, argv []string) (int, error) {
	return fn(ctx, argv)
}

// Process runs the interpreter as a child process wired to
// the launcher's standard streams and waits for it.
type Process struct {
	// Path is the interpreter binary, looked up in PATH
	// when it has no separator.
	Path string

	// Dir is the child's working directory. Empty means
	// the launcher's.
	Dir string

	// Env is the child's environment. Nil inherits the
	// launcher's.
	Env []string

	// Stdin, Stdout and Stderr default to the launcher's
	// streams.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Run starts the interpreter with argv and returns its exit
// status. argv[0] is passed through unchanged. A child
// killed by a signal reports exit code 1. An error is only
// returned when the child could not be started.
func (pr *Process) Run(
	ctx context.Context,
	argv []string,
) (int, error) {
	const errCtx = "running interpreter"

	if len(argv) == 0 {
		return 1, fmt.Errorf("%s: %w", errCtx, ErrNoArgs)
	}

	slog.Info(
		"executing",
		"cmd", pr.Path,
		"args", strings.Join(argv[1:], " "),
	)

	cmd := osexec.CommandContext(ctx, pr.Path, argv[1:]...)
	cmd.Args[0] = argv[0]
	cmd.Dir = pr.Dir
	cmd.Env = pr.Env
	cmd.Stdin = orReader(pr.Stdin, os.Stdin)
	cmd.Stdout = orWriter(pr.Stdout, os.Stdout)
	cmd.Stderr = orWriter(pr.Stderr, os.Stderr)

	err := cmd.Run()

	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			code = 1
		}

		slog.Info("interpreter exited", "code", code)

		return code, nil
	}

	if err != nil {
		return 1, fmt.Errorf(
			"%s: %s: %w", errCtx, pr.Path, err,
		)
	}

	slog.Info("interpreter exited", "code", 0)

	return 0, nil
}

// Replace execs the interpreter in place of the launcher.
// On success Run never returns.
type Replace struct {
	// Path is the interpreter binary, looked up in PATH
	// when it has no separator.
	Path string

	// Env is the new image's environment. Nil keeps the
	// launcher's.
	Env []string

	// BeforeExec runs before Path is resolved and the image
	// is replaced, e.g. to flush open stores or change
	// directory. An error aborts the exec.
	BeforeExec func() error
}

// ReplacesImage reports true: a successful Run never
// returns.
func (rp *Replace) ReplacesImage() bool {
	return true
}

// Run replaces the process image with the interpreter. It
// only returns when that fails.
func (rp *Replace) Run(
	_ context.Context,
	argv []string,
) (int, error) {
	const errCtx = "replacing with interpreter"

	if len(argv) == 0 {
		return 1, fmt.Errorf("%s: %w", errCtx, ErrNoArgs)
	}

	if rp.BeforeExec != nil {
		if err := rp.BeforeExec(); err != nil {
			return 1, fmt.Errorf("%s: %w", errCtx, err)
		}
	}

	// Resolved after BeforeExec so a relative Path follows
	// any directory change it made, as Process does with Dir.
	bin, err := osexec.LookPath(rp.Path)
	if err != nil {
		return 1, fmt.Errorf("%s: %w", errCtx, err)
	}

	env := rp.Env
	if env == nil {
		env = os.Environ()
	}

	slog.Info(
		"replacing process",
		"cmd", bin,
		"args", strings.Join(argv[1:], " "),
	)

	if err := execve(bin, argv, env); err != nil {
		return 1, fmt.Errorf("%s: %s: %w", errCtx, bin, err)
	}

	return 0, nil
}

func orReader(rd io.Reader, fallback io.Reader) io.Reader {
	if rd != nil {
		return rd
	}

	return fallback
}

func orWriter(wr io.Writer, fallback io.Writer) io.Writer {
	if wr != nil {
		return wr
	}

	return fallback
}
