package crypto

// SecureZero overwrites the provided byte slice with zeros so private keys
// and shared secrets do not linger in memory after use.
//
// Go's garbage collector does not zero freed memory, so callers holding key
// material must wipe it explicitly. Copies made elsewhere are not affected.
func SecureZero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SecureZeroMultiple zeros multiple byte slices.
func SecureZeroMultiple(slices ...[]byte) {
	for _, b := range slices {
		SecureZero(b)
	}
}
