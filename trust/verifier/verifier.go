package verifier

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/VDDPI/VDDPI/trust/digester"
	"github.com/VDDPI/VDDPI/trust/reftable"
	"github.com/VDDPI/VDDPI/trust/report"
)

var (
	// ErrIntegrityMismatch reports a digest that differs
	// from the reference.
	ErrIntegrityMismatch = errors.New("integrity mismatch")

	// ErrFileAbsent reports a program file that could not
	// be opened.
	ErrFileAbsent = errors.New("program file absent")

	// ErrIOFailure reports a read error while hashing.
	ErrIOFailure = errors.New("program file unreadable")
)

// Status classifies a verification attempt.
type Status int

const (
	StatusVerified Status = iota + 1
	StatusMismatch
	StatusFileAbsent
	StatusIOFailure
)

func (st Status) String() string {
	switch st {
	case StatusVerified:
		return "verified"
	case StatusMismatch:
		return "mismatch"
	case StatusFileAbsent:
		return "file_absent"
	case StatusIOFailure:
		return "io_failure"
	default:
		return fmt.Sprintf("status(%d)", int(st))
	}
}

// MissingPolicy decides what an unopenable program file
// means.
type MissingPolicy string

const (
	// MissingAllow skips verification and lets the launch
	// proceed.
	MissingAllow MissingPolicy = "allow"

	// MissingDeny treats an unopenable file as a failed
	// verification.
	MissingDeny MissingPolicy = "deny"
)

// ParseMissingPolicy maps a configuration value to a
// policy. The empty string selects MissingAllow.
func ParseMissingPolicy(s string) (MissingPolicy, error) {
	switch MissingPolicy(s) {
	case "", MissingAllow:
		return MissingAllow, nil
	case MissingDeny:
		return MissingDeny, nil
	default:
		return "", fmt.Errorf(
			"missing file policy must be allow or deny, got %q", s,
		)
	}
}

// Outcome is the result of one verification attempt.
type Outcome struct {
	Status Status

	// Label and Path identify the program.
	Label string
	Path  string

	Algorithm digester.Algorithm

	// Expected is the reference digest. Actual is only set
	// when the whole file was hashed.
	Expected digester.Digest
	Actual   digester.Digest

	// Cause holds the open or read error for FileAbsent and
	// IOFailure.
	Cause error

	policy MissingPolicy
}

// Fatal reports whether the launch must be aborted.
func (oc Outcome) Fatal() bool {
	switch oc.Status {
	case StatusVerified:
		return false
	case StatusFileAbsent:
		return oc.policy == MissingDeny
	default:
		return true
	}
}

// Err returns nil for a verified program and a sentinel
// wrapped error otherwise. A FileAbsent outcome returns
// ErrFileAbsent even when the policy lets it pass.
func (oc Outcome) Err() error {
	switch oc.Status {
	case StatusVerified:
		return nil
	case StatusMismatch:
		return fmt.Errorf(
			"%w: %s: expected %s got %s",
			ErrIntegrityMismatch, oc.Path, oc.Expected, oc.Actual,
		)
	case StatusFileAbsent:
		return fmt.Errorf("%w: %w", ErrFileAbsent, oc.Cause)
	case StatusIOFailure:
		return fmt.Errorf("%w: %w", ErrIOFailure, oc.Cause)
	default:
		return fmt.Errorf("unknown verification status %d", int(oc.Status))
	}
}

// Verifier checks program files against reference digests
// and writes a diagnostic block for each decision.
type Verifier struct {
	// Out receives the diagnostic blocks. Nil discards
	// them.
	Out io.Writer

	// Root resolves relative program paths. Empty means
	// the current working directory.
	Root string

	// Missing is the policy for unopenable files.
	Missing MissingPolicy
}

// New returns a Verifier writing to out with the fail-open
// missing file policy.
func New(out io.Writer) *Verifier {
	return &Verifier{Out: out, Missing: MissingAllow}
}

// Verify checks path against expected with SHA-256 and the
// fail-open policy, writing diagnostics to stdout.
func Verify(
	path string,
	expected digester.Digest,
	label string,
) Outcome {
	return New(os.Stdout).Check(
		path, digester.SHA256, expected, label,
	)
}

// VerifyEntry checks the file named by en.
func (vf *Verifier) VerifyEntry(en reftable.Entry) Outcome {
	return vf.Check(en.Path, en.Algorithm, en.Digest, en.Label)
}

// Check hashes path with al, compares the result against
// expected over every byte in constant time and reports
// the outcome.
func (vf *Verifier) Check(
	path string,
	al digester.Algorithm,
	expected digester.Digest,
	label string,
) Outcome {
	oc := Outcome{
		Label:     label,
		Path:      path,
		Algorithm: al,
		Expected:  expected,
		policy:    vf.policy(),
	}

	actual, err := digester.CalculateDigest(vf.resolve(path), al)

	switch {
	case errors.Is(err, digester.ErrOpen):
		oc.Status = StatusFileAbsent
		oc.Cause = err
	case err != nil:
		oc.Status = StatusIOFailure
		oc.Cause = err
	case actual.Equal(expected):
		oc.Status = StatusVerified
		oc.Actual = actual
	default:
		oc.Status = StatusMismatch
		oc.Actual = actual
	}

	vf.emit(oc)

	return oc
}

func (vf *Verifier) policy() MissingPolicy {
	if vf.Missing == "" {
		return MissingAllow
	}

	return vf.Missing
}

func (vf *Verifier) resolve(path string) string {
	if vf.Root == "" || filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(vf.Root, path)
}

func (vf *Verifier) emit(oc Outcome) {
	fields := report.Fields{
		"label":     oc.Label,
		"file":      oc.Path,
		"algorithm": string(oc.Algorithm),
	}

	var tpl string

	switch oc.Status {
	case StatusVerified:
		tpl = report.Verified
		fields["digest"] = oc.Actual.String()

		slog.Info(
			"program verified",
			"label", oc.Label,
			"path", oc.Path,
			"digest", oc.Actual.String(),
		)
	case StatusMismatch:
		tpl = report.Mismatch

		slog.Error(
			"program digest mismatch",
			"label", oc.Label,
			"path", oc.Path,
			"expected", oc.Expected.String(),
			"actual", oc.Actual.String(),
		)
	case StatusIOFailure:
		tpl = report.ReadFailure
		fields["error"] = oc.Cause.Error()

		slog.Error(
			"program unreadable",
			"label", oc.Label,
			"path", oc.Path,
			"error", oc.Cause,
		)
	case StatusFileAbsent:
		if !oc.Fatal() {
			slog.Warn(
				"program file not opened, verification skipped",
				"label", oc.Label,
				"path", oc.Path,
				"error", oc.Cause,
			)

			return
		}

		tpl = report.OpenFailure
		fields["error"] = oc.Cause.Error()

		slog.Error(
			"program file not opened",
			"label", oc.Label,
			"path", oc.Path,
			"error", oc.Cause,
		)
	default:
		return
	}

	if vf.Out == nil {
		return
	}

	if err := report.Write(vf.Out, tpl, fields); err != nil {
		slog.Warn("diagnostic not written", "error", err)
	}
}
