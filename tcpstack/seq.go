package tcpstack

import "math"

// seqGreater reports whether seq1 is "after" seq2 on the wraparound 32-bit
// sequence space, using the shorter of the two possible distances between
// them. Grounded on lib/utils.go's isGreater, generalized to the four
// comparison helpers the reliability engine needs.
func seqGreater(seq1, seq2 uint32) bool {
	if seq1 == seq2 {
		return false
	}
	diff := int64(seq1) - int64(seq2)
	if diff < 0 {
		diff = -diff
	}
	wrapdiff := int64(math.MaxUint32+1) - diff
	distance := diff
	if wrapdiff < distance {
		distance = wrapdiff
	}
	return (distance+int64(seq2))%(math.MaxUint32+1) == int64(seq1)
}

func seqGreaterOrEqual(seq1, seq2 uint32) bool {
	return seqGreater(seq1, seq2) || seq1 == seq2
}

func seqLess(seq1, seq2 uint32) bool {
	return !seqGreaterOrEqual(seq1, seq2)
}

func seqLessOrEqual(seq1, seq2 uint32) bool {
	return !seqGreater(seq1, seq2)
}
