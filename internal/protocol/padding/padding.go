package padding

import "errors"

// BlockSize is the unit padded plaintexts are rounded up to.
const BlockSize = 160

const terminator = 0x80

var ErrInvalidPadding = errors.New("invalid padding")

// Pad appends the 0x80 terminator and zero-fills up to the next multiple of
// BlockSize. The result is always at least one block long.
func Pad(plaintext []byte) []byte {
	n := len(plaintext) + 1
	size := ((n + BlockSize - 1) / BlockSize) * BlockSize
	out := make([]byte, size)
	copy(out, plaintext)
	out[len(plaintext)] = terminator
	return out
}

func Unpad(padded []byte) ([]byte, error) {
	for i := len(padded) - 1; i >= 0; i-- {
		switch padded[i] {
		case 0x00:
			continue
		case terminator:
			return padded[:i], nil
		default:
			return nil, ErrInvalidPadding
		}
	}
	return nil, ErrInvalidPadding
}
