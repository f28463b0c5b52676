package launcher

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/VDDPI/VDDPI/trust/verifier"
)

// Environment variables read by Load.
const (
	EnvConfigFile  = "VDDPI_LAUNCHER_CONFIG"
	EnvInterpreter = "VDDPI_INTERPRETER"
	EnvExecMode    = "VDDPI_EXEC_MODE"
	EnvMissingFile = "VDDPI_MISSING_FILE"
	EnvWorkDir     = "VDDPI_WORKDIR"
	EnvJournalDir  = "VDDPI_JOURNAL_DIR"
	EnvJournalKey  = "VDDPI_JOURNAL_KEY"
	EnvLogLevel    = "VDDPI_LOG_LEVEL"
)

// Exec modes.
const (
	ModeSpawn   = "spawn"
	ModeReplace = "replace"
)

// Config holds the launcher settings. The program pins are
// not part of it: they are compiled in.
type Config struct {
	// Interpreter is the binary verified programs run
	// under.
	Interpreter string `yaml:"interpreter"`

	// ExecMode is "spawn" (child process, exit code
	// propagated) or "replace" (execve).
	ExecMode string `yaml:"exec_mode"`

	// MissingFile is "allow" or "deny"; see
	// verifier.MissingPolicy.
	MissingFile string `yaml:"missing_file"`

	// WorkDir resolves relative program paths and is the
	// interpreter's working directory. Empty means the
	// launcher's.
	WorkDir string `yaml:"workdir"`

	// JournalDir enables the decision journal when set.
	JournalDir string `yaml:"journal_dir"`

	// JournalKey is an optional base64 32-byte key
	// encrypting the journal.
	JournalKey string `yaml:"journal_key"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Interpreter: "python3",
		ExecMode:    ModeSpawn,
		MissingFile: string(verifier.MissingAllow),
		LogLevel:    "warn",
	}
}

// Load builds a Config from the defaults, the YAML file
// named by EnvConfigFile, and the environment, in that
// order. lookup is usually os.LookupEnv.
func Load(lookup func(string) (string, bool)) (Config, error) {
	const errCtx = "loading launcher config"

	cfg := Default()

	if path, ok := lookup(EnvConfigFile); ok && path != "" {
		raw, err := os.ReadFile(path) //nolint:gosec // path from the launcher environment
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", errCtx, err)
		}

		if err := yaml.UnmarshalWithOptions(
			raw, &cfg, yaml.DisallowUnknownField(),
		); err != nil {
			return Config{}, fmt.Errorf(
				"%s: parsing %s: %w", errCtx, path, err,
			)
		}
	}

	applyEnv(&cfg, lookup)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", errCtx, err)
	}

	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	overrides := []struct {
		name   string
		target *string
	}{
		{EnvInterpreter, &cfg.Interpreter},
		{EnvExecMode, &cfg.ExecMode},
		{EnvMissingFile, &cfg.MissingFile},
		{EnvWorkDir, &cfg.WorkDir},
		{EnvJournalDir, &cfg.JournalDir},
		{EnvJournalKey, &cfg.JournalKey},
		{EnvLogLevel, &cfg.LogLevel},
	}

	for _, ov := range overrides {
		if v, ok := lookup(ov.name); ok && v != "" {
			*ov.target = strings.TrimSpace(v)
		}
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []string

	if c.Interpreter == "" {
		errs = append(errs, "interpreter is required")
	}

	switch c.ExecMode {
	case ModeSpawn, ModeReplace:
	default:
		errs = append(errs, "exec_mode must be one of: spawn, replace")
	}

	if _, err := verifier.ParseMissingPolicy(c.MissingFile); err != nil {
		errs = append(errs, "missing_file must be one of: allow, deny")
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, "log_level must be one of: debug, info, warn, error")
	}

	if c.JournalKey != "" {
		decoded, err := base64.StdEncoding.DecodeString(c.JournalKey)
		if err != nil {
			errs = append(errs, "journal_key must be valid base64")
		} else if len(decoded) != 32 {
			errs = append(errs, "journal_key must decode to 32 bytes")
		}

		if c.JournalDir == "" {
			errs = append(errs, "journal_key requires journal_dir")
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	clone := c
	if clone.JournalKey != "" {
		clone.JournalKey = "REDACTED"
	}

	return clone
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "", "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
