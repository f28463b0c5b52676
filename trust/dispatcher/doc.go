// Package dispatcher is the launcher's startup state machine. It
// classifies the invocation once (normal run, certificate issuance or
// one of the build shapes that bypass verification), verifies the
// selected program against the reference table and either aborts with
// ExitRejected or hands the possibly rewritten argument vector to the
// interpreter.
package dispatcher
