package gaps

var (
	setMask   = [8]byte{1, 2, 4, 8, 16, 32, 64, 128}
	clearMask = [8]byte{254, 253, 251, 247, 239, 223, 191, 127}
)

type bitmap []byte

func (b *bitmap) get(i int) bool {
	si := i / 8
	if len(*b) <= si {
		return false
	}
	return (*b)[si]&setMask[i%8] != 0
}

// set zero fills the slice when i is out of bounds.
func (b *bitmap) set(i int, v bool) {
	si := i / 8
	if len(*b) <= si {
		*b = append(*b, make([]byte, si-len(*b)+1)...)
	}
	if v {
		(*b)[si] |= setMask[i%8]
	} else {
		(*b)[si] &= clearMask[i%8]
	}
}
