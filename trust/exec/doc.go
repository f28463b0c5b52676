// Package exec hands a verified invocation to the interpreter. The
// launcher treats the interpreter as an opaque Run(argv) -> exit code
// call; Process runs it as a child and Replace replaces the launcher
// process image with it.
package exec
