package journal

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// Record describes one launcher decision.
type Record struct {
	Time time.Time `json:"time"`

	// Invocation is the dispatcher's classification, e.g.
	// "run_main" or "build_sysconfig".
	Invocation string `json:"invocation"`

	// Program, Path, Status, Expected and Actual are empty
	// for invocations that bypass verification.
	Program  string `json:"program,omitempty"`
	Path     string `json:"path,omitempty"`
	Status   string `json:"status,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Error    string `json:"error,omitempty"`

	// Launched is true when the interpreter was started, or
	// is about to replace the launcher image.
	Launched bool `json:"launched"`

	// ExitCode is the interpreter's exit status. It is nil
	// when the interpreter never returned to the launcher.
	ExitCode *int `json:"exit_code,omitempty"`

	Args []string `json:"args,omitempty"`
}

// Journal appends and lists Records.
type Journal struct {
	store Store
	now   func() time.Time
}

// New returns a Journal over store.
func New(store Store) *Journal {
	return &Journal{store: store, now: time.Now}
}

// Open opens a Badger-backed Journal at dir.
func Open(dir string, keyBase64 string) (*Journal, error) {
	const errCtx = "opening journal"

	st, err := OpenBadger(dir, keyBase64)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errCtx, err)
	}

	return New(st), nil
}

// Append stores rec. A zero Time is set to now. Records are
// keyed by time so List returns them in decision order.
func (jn *Journal) Append(rec Record) error {
	const errCtx = "appending journal record"

	if rec.Time.IsZero() {
		rec.Time = jn.now()
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%s: %w", errCtx, err)
	}

	key := fmt.Sprintf("%020d-%s", rec.Time.UnixNano(), randSuffix())

	if err := jn.store.Put(key, raw); err != nil {
		return fmt.Errorf("%s: %w", errCtx, err)
	}

	return nil
}

// List returns every record, oldest first.
func (jn *Journal) List() ([]Record, error) {
	const errCtx = "listing journal"

	records := []Record{}

	err := jn.store.ForEach(func(_ string, value []byte) error {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}

		records = append(records, rec)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errCtx, err)
	}

	return records, nil
}

// Close closes the underlying store.
func (jn *Journal) Close() error {
	return jn.store.Close()
}

func randSuffix() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "00000000"
	}

	return hex.EncodeToString(buf)
}
