package reftable

import (
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-yaml"

	"github.com/VDDPI/VDDPI/trust/digester"
)

// ProgramID names a logical program the launcher knows how
// to verify.
type ProgramID string

const (
	// Main is the data processing program run by default.
	Main ProgramID = "main"

	// GenCert is the certificate issuance program selected
	// by -gencert.
	GenCert ProgramID = "gencert"
)

// RequiredIDs lists the identities every table must carry.
var RequiredIDs = []ProgramID{Main, GenCert}

// ErrMissingProgram reports a table without one of the
// RequiredIDs.
var ErrMissingProgram = errors.New("required program missing")

//go:embed programs.yaml
var embeddedPrograms []byte

// Entry pins one program to its expected digest.
type Entry struct {
	// ID is the logical program identity.
	ID ProgramID

	// Path is the program file, relative to the launcher
	// working directory unless absolute.
	Path string

	// Label describes the program in diagnostics, e.g.
	// "data processing program".
	Label string

	// Algorithm is the hash the digest was computed with.
	Algorithm digester.Algorithm

	// Digest is the expected content digest.
	Digest digester.Digest
}

// Table is an immutable set of entries keyed by ProgramID.
type Table struct {
	entries []Entry
	byID    map[ProgramID]int
}

type rawEntry struct {
	ID        string `yaml:"id"`
	Path      string `yaml:"path"`
	Label     string `yaml:"label"`
	Algorithm string `yaml:"algorithm"`
	Digest    string `yaml:"digest"`
}

type rawTable struct {
	Programs []rawEntry `yaml:"programs"`
}

var defaultTable = sync.OnceValues(func() (*Table, error) {
	return Parse(embeddedPrograms)
})

// Default returns the compiled-in table. It is parsed on
// first use and shared afterwards.
func Default() (*Table, error) {
	return defaultTable()
}

// Parse decodes a YAML table document. Unknown fields are
// rejected.
func Parse(raw []byte) (*Table, error) {
	const errCtx = "parsing reference table"

	var rt rawTable

	if err := yaml.UnmarshalWithOptions(
		raw, &rt, yaml.DisallowUnknownField(),
	); err != nil {
		return nil, fmt.Errorf("%s: %w", errCtx, err)
	}

	entries := make([]Entry, 0, len(rt.Programs))

	for i, re := range rt.Programs {
		al, err := digester.ParseAlgorithm(re.Algorithm)
		if err != nil {
			return nil, fmt.Errorf(
				"%s: programs[%d]: %w", errCtx, i, err,
			)
		}

		dg, err := digester.ParseDigest(re.Digest)
		if err != nil {
			return nil, fmt.Errorf(
				"%s: programs[%d]: %w", errCtx, i, err,
			)
		}

		entries = append(entries, Entry{
			ID:        ProgramID(re.ID),
			Path:      re.Path,
			Label:     re.Label,
			Algorithm: al,
			Digest:    dg,
		})
	}

	tb, err := New(entries...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errCtx, err)
	}

	return tb, nil
}

// New builds a table from entries after validating them.
func New(entries ...Entry) (*Table, error) {
	const errCtx = "building reference table"

	tb := &Table{
		entries: make([]Entry, 0, len(entries)),
		byID:    make(map[ProgramID]int, len(entries)),
	}

	for i, en := range entries {
		if err := validate(en); err != nil {
			return nil, fmt.Errorf(
				"%s: entry %d: %w", errCtx, i, err,
			)
		}

		if _, dup := tb.byID[en.ID]; dup {
			return nil, fmt.Errorf(
				"%s: duplicate program id %q", errCtx, en.ID,
			)
		}

		if en.Algorithm == "" {
			en.Algorithm = digester.SHA256
		}

		tb.byID[en.ID] = len(tb.entries)
		tb.entries = append(tb.entries, en)
	}

	for _, id := range RequiredIDs {
		if _, ok := tb.byID[id]; !ok {
			return nil, fmt.Errorf(
				"%s: %w: %q", errCtx, ErrMissingProgram, id,
			)
		}
	}

	return tb, nil
}

func validate(en Entry) error {
	switch {
	case en.ID == "":
		return errors.New("id is required")
	case en.Path == "":
		return fmt.Errorf("program %q: path is required", en.ID)
	case en.Label == "":
		return fmt.Errorf("program %q: label is required", en.ID)
	case en.Digest.IsZero():
		return fmt.Errorf("program %q: digest is required", en.ID)
	}

	if _, err := digester.ParseAlgorithm(string(en.Algorithm)); err != nil {
		return fmt.Errorf("program %q: %w", en.ID, err)
	}

	return nil
}

// Lookup returns the entry for id.
func (tb *Table) Lookup(id ProgramID) (Entry, bool) {
	idx, ok := tb.byID[id]
	if !ok {
		return Entry{}, false
	}

	return tb.entries[idx], true
}

// Entries returns a copy of all entries in table order.
func (tb *Table) Entries() []Entry {
	out := make([]Entry, len(tb.entries))
	copy(out, tb.entries)

	return out
}
