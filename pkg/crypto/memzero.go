package crypto

import "runtime"

// Wipe zeroes the buffer. Best-effort: the noinline pragma keeps the
// compiler from eliding the writes.
//
//go:noinline
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(&b)
}
