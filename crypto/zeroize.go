package crypto

// Zeroize overwrites secret material once it is no longer needed. The garbage
// collector may still hold earlier copies.
func Zeroize(b []byte) {
	clear(b)
}
