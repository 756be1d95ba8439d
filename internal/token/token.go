// Package token generates the opaque secrets handed out on registration.
package token

import (
	"crypto/rand"

	"github.com/mr-tron/base58"
)

// rawLen is the number of random bytes per token (256 bits of entropy).
const rawLen = 32

// Generate returns a fresh opaque token: 32 bytes from the OS CSPRNG,
// base58-encoded. The alphabet contains no 0/O/I/l, so tokens survive
// being read aloud or retyped.
//
// A starved entropy source is not a recoverable condition; Generate panics
// instead of returning an error.
func Generate() string {
	buf := make([]byte, rawLen)
	if _, err := rand.Read(buf); err != nil {
		panic("token: cannot read entropy source: " + err.Error())
	}
	return base58.Encode(buf)
}
