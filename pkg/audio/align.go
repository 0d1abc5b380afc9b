package audio

// SampleAligner keeps PCM output aligned to 16-bit sample boundaries. A
// trailing odd byte is held back and prepended to the next buffer.
//
// Not safe for concurrent use.
type SampleAligner struct {
	carry    byte
	hasCarry bool
}

// Align returns the even-length prefix of the carried byte plus b. The
// returned slice may be empty when b is a single byte and nothing was carried.
func (a *SampleAligner) Align(b []byte) []byte {
	if a.hasCarry {
		joined := make([]byte, 0, len(b)+1)
		joined = append(joined, a.carry)
		joined = append(joined, b...)
		b = joined
		a.hasCarry = false
	}
	if len(b)%2 != 0 {
		a.carry = b[len(b)-1]
		a.hasCarry = true
		b = b[:len(b)-1]
	}
	return b
}

// Pending reports whether a byte is currently held back.
func (a *SampleAligner) Pending() bool { return a.hasCarry }

// Reset drops any held byte.
func (a *SampleAligner) Reset() {
	a.carry = 0
	a.hasCarry = false
}
