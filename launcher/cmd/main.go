// Command launcher verifies the pinned program an invocation
// selects and, when it matches, runs it under the interpreter.
// Invocations issued by the interpreter's own build steps are
// passed through unverified.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/VDDPI/VDDPI/launcher"
)

func run() (int, error) {
	const errCtx = "launcher"

	cfg, err := launcher.Load(os.LookupEnv)
	if err != nil {
		return 1, fmt.Errorf("%s: %w", errCtx, err)
	}

	launcher.SetupLogging(cfg)

	ln := &launcher.Launcher{Config: cfg}

	code, err := ln.Run(context.Background(), os.Args)
	if err != nil {
		return code, fmt.Errorf("%s: %w", errCtx, err)
	}

	return code, nil
}

func main() {
	code, err := run()
	if err != nil {
		slog.Error(err.Error())
	}

	os.Exit(code)
}
