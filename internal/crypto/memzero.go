package crypto

import "sealdm/internal/util/memzero"

// Wipe zeroes the provided buffer. This is best-effort.
func Wipe(b []byte) { memzero.Zero(b) }

// WipeKey zeroes a 32-byte key in place.
func WipeKey(k *[32]byte) { memzero.Key(k) }
