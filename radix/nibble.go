package radix

// The tree branches on 4-bit nibbles of the key rather than whole
// bytes (spec §3.7): each internal node discriminates at one nibble
// position, addressed as (Byte, Bit) where Bit is 4 for a key byte's
// high nibble and 0 for its low nibble. ni packs that pair into a
// single monotonically increasing index so divergence points and
// descent bounds can be compared as plain integers.

func ni(byteIdx uint64, bit uint8) int64 {
	n := int64(byteIdx) * 2
	if bit == 0 {
		n++
	}
	return n
}

func fromNi(n int64) (byteIdx uint64, bit uint8) {
	byteIdx = uint64(n / 2)
	if n%2 == 0 {
		bit = 4
	} else {
		bit = 0
	}
	return
}

// nibbleAt returns the nibble of key at (byteIdx, bit), or ok=false if
// key does not extend that far (the key "ends" at this position).
func nibbleAt(key []byte, byteIdx uint64, bit uint8) (int, bool) {
	if byteIdx >= uint64(len(key)) {
		return 0, false
	}
	b := key[byteIdx]
	if bit == 4 {
		return int(b >> 4), true
	}
	return int(b & 0xF), true
}

func nibbleAtIdx(key []byte, n int64) (int, bool) {
	byteIdx, bit := fromNi(n)
	return nibbleAt(key, byteIdx, bit)
}

// diverge finds the first nibble position at which a and b differ, or
// at which one of them runs out of bytes. aMore/bMore report whether a
// (respectively b) still has a nibble at that position.
func diverge(a, b []byte) (pos int64, aMore, bMore bool) {
	maxNi := int64(len(a)) * 2
	if bn := int64(len(b)) * 2; bn > maxNi {
		maxNi = bn
	}
	for n := int64(0); n < maxNi; n++ {
		byteIdx, bit := fromNi(n)
		na, oka := nibbleAt(a, byteIdx, bit)
		nb, okb := nibbleAt(b, byteIdx, bit)
		if !oka || !okb || na != nb {
			return n, oka, okb
		}
	}
	return maxNi, false, false
}
