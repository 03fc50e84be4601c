// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"fmt"
)

// New generates a UUID-like random ID, used to tag requests that arrive
// without an X-Request-ID header.
// Format: xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx
func New() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}
