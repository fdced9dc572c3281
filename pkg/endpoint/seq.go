package endpoint

// TCP sequence arithmetic, mod 2^32.

func SeqLT(a, b uint32) bool {
	return int32(a-b) < 0
}

func SeqLE(a, b uint32) bool {
	return int32(a-b) <= 0
}

func SeqSub(a, b uint32) int {
	return int(int32(a - b))
}
