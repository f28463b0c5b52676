// Package reftable holds the compiled-in mapping from logical program
// identity to the file path and reference digest that program must
// match. The default table is embedded at build time, parsed once and
// never mutated.
package reftable
