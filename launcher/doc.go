// Package launcher assembles the pinned-program launcher: configuration
// from the environment (and an optional YAML file), the compiled-in
// reference table, the verifier, an optional decision journal and the
// interpreter hand-off. The launcher takes no flags of its own; its
// whole argument vector belongs to the interpreter.
package launcher
