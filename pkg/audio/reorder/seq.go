package reorder

// SequenceSpace is the number of distinct 16-bit sequence numbers.
const SequenceSpace = 1 << 16

// Distance returns the signed forward distance from "from" to "to" in the
// 16-bit sequence space. Distances larger than half the space are reported
// as negative, i.e. "to" is treated as lying behind "from".
func Distance(from, to uint16) int {
	return int(int16(to - from))
}

// Compare orders two sequence numbers with wraparound. It returns -1 when a
// precedes b, +1 when a follows b and 0 when they are equal.
func Compare(a, b uint16) int {
	switch d := Distance(a, b); {
	case d > 0:
		return -1
	case d < 0:
		return 1
	default:
		return 0
	}
}

// Less reports whether a precedes b.
func Less(a, b uint16) bool { return Distance(a, b) > 0 }

// Advance returns seq moved forward by n positions, wrapping at 65536.
func Advance(seq uint16, n int) uint16 {
	return seq + uint16(n)
}
