package crypto

import (
	"bytes"
	"crypto/sha256"
	"slices"

	"github.com/joncooperworks/authplugin/wire"
)

func hashBlob(b []byte) [32]byte {
	return sha256.Sum256(b)
}

func hashField(name string, value [32]byte) []byte {
	k := sha256.Sum256([]byte(name))
	out := make([]byte, 0, 64)
	out = append(out, k[:]...)
	return append(out, value[:]...)
}

func sortBytes(s [][]byte) {
	slices.SortFunc(s, bytes.Compare)
}

// leb128 encodes v as unsigned LEB128.
func leb128(v wire.Uint128) []byte {
	out := make([]byte, 0, 19)
	hi, lo := v.Hi, v.Lo
	for {
		b := byte(lo & 0x7f)
		lo = lo>>7 | hi<<57
		hi >>= 7
		if hi == 0 && lo == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
