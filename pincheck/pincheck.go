package pincheck

import (
	"errors"
	"fmt"
	"io"

	json "github.com/goccy/go-json"

	"github.com/VDDPI/VDDPI/trust/journal"
	"github.com/VDDPI/VDDPI/trust/reftable"
	"github.com/VDDPI/VDDPI/trust/verifier"
)

// ErrFailed reports that at least one program would be
// refused by the launcher.
var ErrFailed = errors.New("pin verification failed")

// Result is the verification outcome of one pinned program.
type Result struct {
	Program   string `json:"program"`
	Path      string `json:"path"`
	Label     string `json:"label"`
	Algorithm string `json:"algorithm"`
	Status    string `json:"status"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual,omitempty"`
	Error     string `json:"error,omitempty"`

	// Fatal is true when the launcher would refuse to run
	// the program.
	Fatal bool `json:"fatal"`
}

// Check verifies the entries named by ids, or every entry
// when ids is empty, in the order given.
func Check(
	tb *reftable.Table,
	vf *verifier.Verifier,
	ids []reftable.ProgramID,
) ([]Result, error) {
	const errCtx = "checking pins"

	entries := tb.Entries()

	if len(ids) > 0 {
		entries = make([]reftable.Entry, 0, len(ids))

		for _, id := range ids {
			en, ok := tb.Lookup(id)
			if !ok {
				return nil, fmt.Errorf(
					"%s: unknown program %q", errCtx, id,
				)
			}

			entries = append(entries, en)
		}
	}

	results := make([]Result, 0, len(entries))

	for _, en := range entries {
		oc := vf.VerifyEntry(en)

		res := Result{
			Program:   string(en.ID),
			Path:      oc.Path,
			Label:     oc.Label,
			Algorithm: string(oc.Algorithm),
			Status:    oc.Status.String(),
			Expected:  oc.Expected.String(),
			Fatal:     oc.Fatal(),
		}

		if !oc.Actual.IsZero() {
			res.Actual = oc.Actual.String()
		}

		if err := oc.Err(); err != nil {
			res.Error = err.Error()
		}

		results = append(results, res)
	}

	return results, nil
}

// Failed reports whether any result is fatal.
func Failed(results []Result) bool {
	for _, res := range results {
		if res.Fatal {
			return true
		}
	}

	return false
}

// WriteJSON writes v as indented JSON followed by a
// newline.
func WriteJSON(w io.Writer, v interface{}) error {
	const errCtx = "writing json"

	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%s: %w", errCtx, err)
	}

	raw = append(raw, '\n')

	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("%s: %w", errCtx, err)
	}

	return nil
}

// History returns the records of the journal at dir.
func History(dir string, keyBase64 string) (records []journal.Record, retErr error) {
	const errCtx = "reading history"

	jn, err := journal.Open(dir, keyBase64)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errCtx, err)
	}

	defer func() {
		if closeErr := jn.Close(); closeErr != nil && retErr == nil {
			retErr = fmt.Errorf("%s: %w", errCtx, closeErr)
		}
	}()

	records, err = jn.List()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errCtx, err)
	}

	return records, nil
}
