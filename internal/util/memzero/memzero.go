// Package memzero clears key material and plaintext buffers.
package memzero

import "runtime"

// Zero clears b in place.
func Zero(b []byte) {
	clear(b)
	runtime.KeepAlive(b)
}

// Key clears a 32-byte key in place.
func Key(k *[32]byte) {
	if k == nil {
		return
	}
	Zero(k[:])
}
