// Package verifier decides whether a program file matches its pinned
// reference digest. Each check yields an Outcome (verified, mismatch,
// file absent or I/O failure) and writes a dash-framed diagnostic block.
//
// An unopenable file passes under MissingAllow, which mirrors the
// historical launcher, and fails under MissingDeny. A read error part
// way through a file is always fatal; a partial digest is never
// compared.
package verifier
