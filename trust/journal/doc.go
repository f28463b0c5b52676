// Package journal keeps an append-only audit trail of launcher
// decisions in a Badger database. Each record is one invocation: how it
// was classified, what the verifier saw and whether the interpreter ran.
package journal
