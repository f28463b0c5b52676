// Command pincheck verifies the launcher's compiled-in program
// pins against the files under a root directory and exits
// non-zero if the launcher would refuse any of them.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/VDDPI/VDDPI/launcher"
	"github.com/VDDPI/VDDPI/pincheck"
	"github.com/VDDPI/VDDPI/trust/reftable"
	"github.com/VDDPI/VDDPI/trust/verifier"
)

func run(args []string, stdout io.Writer) error {
	const errCtx = "pincheck"

	fs := pflag.NewFlagSet("pincheck", pflag.ContinueOnError)

	root := fs.String("root", ".", "directory relative program paths are resolved against")
	programs := fs.StringSlice("program", nil, "program id to check (repeatable, default all)")
	strict := fs.Bool("strict", false, "treat a missing program file as a failure")
	asJSON := fs.Bool("json", false, "print results as JSON instead of report blocks")
	history := fs.Bool("history", false, "print the decision journal and exit")
	journalDir := fs.String("journal", "", "decision journal directory (for --history)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}

		return fmt.Errorf("%s: %w", errCtx, err)
	}

	if *history {
		if *journalDir == "" {
			return fmt.Errorf("%s: --history requires --journal", errCtx)
		}

		records, err := pincheck.History(*journalDir, os.Getenv(launcher.EnvJournalKey))
		if err != nil {
			return fmt.Errorf("%s: %w", errCtx, err)
		}

		return pincheck.WriteJSON(stdout, records)
	}

	tb, err := reftable.Default()
	if err != nil {
		return fmt.Errorf("%s: %w", errCtx, err)
	}

	vf := &verifier.Verifier{Root: *root, Missing: verifier.MissingAllow}
	if *strict {
		vf.Missing = verifier.MissingDeny
	}

	if !*asJSON {
		vf.Out = stdout
	}

	ids := make([]reftable.ProgramID, 0, len(*programs))
	for _, id := range *programs {
		ids = append(ids, reftable.ProgramID(id))
	}

	results, err := pincheck.Check(tb, vf, ids)
	if err != nil {
		return fmt.Errorf("%s: %w", errCtx, err)
	}

	if *asJSON {
		if err := pincheck.WriteJSON(stdout, results); err != nil {
			return fmt.Errorf("%s: %w", errCtx, err)
		}
	}

	if pincheck.Failed(results) {
		return fmt.Errorf("%s: %w", errCtx, pincheck.ErrFailed)
	}

	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
