// Package digester streams files through a 256-bit cryptographic hash
// (SHA-256 or BLAKE3) with a fixed-size read buffer, so memory use does
// not depend on file size. Read failures surface as ErrRead and never
// yield a partial digest; Digest.Equal compares in constant time.
package digester
