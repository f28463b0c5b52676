package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/VDDPI/VDDPI/trust/exec"
	"github.com/VDDPI/VDDPI/trust/journal"
	"github.com/VDDPI/VDDPI/trust/reftable"
	"github.com/VDDPI/VDDPI/trust/verifier"
)

// ExitRejected is the process exit code when the launch is
// refused.
const ExitRejected = 1

// ErrIncomplete reports a Dispatcher missing one of its
// required collaborators.
var ErrIncomplete = errors.New("dispatcher not fully configured")

// GenCertFlag selects the certificate issuance program when
// it is the first argument.
const GenCertFlag = "-gencert"

// DefaultArgv0 stands in for a missing argv[0].
const DefaultArgv0 = "python"

// Kind is the classification of an invocation.
type Kind int

const (
	KindRunMain Kind = iota + 1
	KindIssueCert
	KindBuildSysconfig
	KindBuildSetup
	KindInstallSetup
	KindEnsurepip
)

func (kd Kind) String() string {
	switch kd {
	case KindRunMain:
		return "run_main"
	case KindIssueCert:
		return "issue_cert"
	case KindBuildSysconfig:
		return "build_sysconfig"
	case KindBuildSetup:
		return "build_setup"
	case KindInstallSetup:
		return "install_setup"
	case KindEnsurepip:
		return "ensurepip"
	default:
		return fmt.Sprintf("kind(%d)", int(kd))
	}
}

// Bypass reports whether kd skips verification.
func (kd Kind) Bypass() bool {
	switch kd {
	case KindBuildSysconfig, KindBuildSetup, KindInstallSetup, KindEnsurepip:
		return true
	default:
		return false
	}
}

// shape is a build or maintenance command recognized by
// its leading arguments after argv[0].
type shape struct {
	kind Kind
	args []string
}

// buildShapes is the closed set of invocations the
// interpreter's own build and install steps issue.
var buildShapes = []shape{
	{kind: KindBuildSysconfig, args: []string{"-E", "-S", "-m", "sysconfig"}},
	{kind: KindBuildSetup, args: []string{"-E", "./setup.py", "build"}},
	{kind: KindInstallSetup, args: []string{"-E", "./setup.py", "install"}},
	{kind: KindEnsurepip, args: []string{"-E", "-m", "ensurepip"}},
}

// Classify inspects argv once and returns its Kind. Build
// shapes match when argv[1:] starts with every element of
// the shape, compared as whole strings.
func Classify(argv []string) Kind {
	var args []string
	if len(argv) > 1 {
		args = argv[1:]
	}

	for _, sh := range buildShapes {
		if len(args) >= len(sh.args) &&
			slices.Equal(args[:len(sh.args)], sh.args) {
			return sh.kind
		}
	}

	if len(args) > 0 && args[0] == GenCertFlag {
		return KindIssueCert
	}

	return KindRunMain
}

// Plan is the launch decided for one invocation.
type Plan struct {
	Kind Kind

	// Program is the entry to verify. Empty for bypass
	// kinds.
	Program reftable.ProgramID

	// Args is the argument vector handed to the
	// interpreter.
	Args []string
}

// Recorder receives one record per decision.
type Recorder interface {
	Append(rec journal.Record) error
}

// Dispatcher classifies an invocation, verifies the target
// program and hands control to the interpreter. Table,
// Verifier and Interpreter are required; Plan and Run refuse
// the launch without them.
type Dispatcher struct {
	// Table supplies the program pins.
	Table *reftable.Table

	// Verifier checks the target program.
	Verifier *verifier.Verifier

	// Interpreter runs the verified invocation.
	Interpreter exec.Interpreter

	// Recorder is optional. Its failures are logged and
	// never change the decision.
	Recorder Recorder
}

// New returns a Dispatcher without a recorder.
func New(
	tb *reftable.Table,
	vf *verifier.Verifier,
	ip exec.Interpreter,
) *Dispatcher {
	return &Dispatcher{Table: tb, Verifier: vf, Interpreter: ip}
}

// Plan classifies argv and builds the interpreter argument
// vector. For KindIssueCert the vector is rebuilt as
// [argv0, certificate program path]; every other kind keeps
// argv unchanged.
func (dp *Dispatcher) Plan(argv []string) (Plan, error) {
	const errCtx = "planning launch"

	if err := dp.check(); err != nil {
		return Plan{}, fmt.Errorf("%s: %w", errCtx, err)
	}

	kind := Classify(argv)
	pl := Plan{Kind: kind, Args: argv}

	if len(pl.Args) == 0 {
		pl.Args = []string{DefaultArgv0}
	}

	switch kind {
	case KindIssueCert:
		pl.Program = reftable.GenCert
	case KindRunMain:
		pl.Program = reftable.Main
	default:
		return pl, nil
	}

	en, ok := dp.Table.Lookup(pl.Program)
	if !ok {
		return Plan{}, fmt.Errorf(
			"%s: program %q not in reference table",
			errCtx, pl.Program,
		)
	}

	if kind == KindIssueCert {
		pl.Args = []string{pl.Args[0], en.Path}
	}

	return pl, nil
}

// Run carries one invocation to its terminal state and
// returns the process exit code: the interpreter's own code
// when it was launched, ExitRejected otherwise.
func (dp *Dispatcher) Run(ctx context.Context, argv []string) int {
	pl, err := dp.Plan(argv)
	if err != nil {
		slog.Error("launch refused", "error", err)

		return ExitRejected
	}

	rec := journal.Record{
		Invocation: pl.Kind.String(),
		Args:       pl.Args,
	}

	if pl.Kind.Bypass() {
		slog.Info(
			"build invocation, verification bypassed",
			"kind", pl.Kind.String(),
		)
	} else {
		oc := dp.verify(pl)

		rec.Program = string(pl.Program)
		rec.Path = oc.Path
		rec.Status = oc.Status.String()
		rec.Expected = oc.Expected.String()

		if !oc.Actual.IsZero() {
			rec.Actual = oc.Actual.String()
		}

		if oc.Status != verifier.StatusVerified {
			rec.Error = oc.Err().Error()
		}

		if oc.Fatal() {
			dp.record(rec)

			return ExitRejected
		}
	}

	return dp.launch(ctx, pl, rec)
}

// launch hands pl to the interpreter and journals the
// result. An image replacing interpreter is journaled before
// it runs since a successful exec never comes back.
func (dp *Dispatcher) launch(
	ctx context.Context,
	pl Plan,
	rec journal.Record,
) int {
	replaces := exec.ReplacesImage(dp.Interpreter)
	if replaces {
		rec.Launched = true
		dp.record(rec)
	}

	code, err := dp.Interpreter.Run(ctx, pl.Args)
	if err != nil {
		slog.Error("interpreter failed to start", "error", err)

		rec.Launched = false
		rec.Error = joinError(rec.Error, err)
		dp.record(rec)

		return ExitRejected
	}

	if !replaces {
		rec.Launched = true
		rec.ExitCode = &code
		dp.record(rec)
	}

	return code
}

func joinError(prev string, err error) string {
	if prev == "" {
		return err.Error()
	}

	return prev + "; " + err.Error()
}

func (dp *Dispatcher) check() error {
	switch {
	case dp.Table == nil:
		return fmt.Errorf("%w: reference table", ErrIncomplete)
	case dp.Verifier == nil:
		return fmt.Errorf("%w: verifier", ErrIncomplete)
	case dp.Interpreter == nil:
		return fmt.Errorf("%w: interpreter", ErrIncomplete)
	default:
		return nil
	}
}

func (dp *Dispatcher) verify(pl Plan) verifier.Outcome {
	// Plan already checked the lookup.
	en, _ := dp.Table.Lookup(pl.Program)

	return dp.Verifier.VerifyEntry(en)
}

func (dp *Dispatcher) record(rec journal.Record) {
	if dp.Recorder == nil {
		return
	}

	if err := dp.Recorder.Append(rec); err != nil {
		slog.Warn("decision not journaled", "error", err)
	}
}
