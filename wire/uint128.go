package wire

import (
	"fmt"
	"math/big"
	"math/bits"
	"time"
)

// Uint128 is an unsigned 128-bit integer, carried as a bare JSON number.
// Expiries are nanoseconds since the Unix epoch.
type Uint128 struct {
	Hi, Lo uint64
}

// U128 widens a uint64.
func U128(v uint64) Uint128 {
	return Uint128{Lo: v}
}

// ExpiryFromTime converts a wall-clock time to an expiry. Times before the
// epoch map to zero.
func ExpiryFromTime(t time.Time) Uint128 {
	ns := t.UnixNano()
	if ns < 0 {
		return Uint128{}
	}
	return U128(uint64(ns))
}

// Cmp compares u and v, returning -1, 0 or +1.
func (u Uint128) Cmp(v Uint128) int {
	switch {
	case u.Hi < v.Hi:
		return -1
	case u.Hi > v.Hi:
		return 1
	case u.Lo < v.Lo:
		return -1
	case u.Lo > v.Lo:
		return 1
	}
	return 0
}

// Add returns u+v, saturating at the maximum value.
func (u Uint128) Add(v Uint128) Uint128 {
	lo, carry := bits.Add64(u.Lo, v.Lo, 0)
	hi, overflow := bits.Add64(u.Hi, v.Hi, carry)
	if overflow != 0 {
		return Uint128{Hi: ^uint64(0), Lo: ^uint64(0)}
	}
	return Uint128{Hi: hi, Lo: lo}
}

// Uint64 returns the value and whether it fits in 64 bits.
func (u Uint128) Uint64() (uint64, bool) {
	return u.Lo, u.Hi == 0
}

// Big returns the value as a big.Int.
func (u Uint128) Big() *big.Int {
	b := new(big.Int).SetUint64(u.Hi)
	b.Lsh(b, 64)
	return b.Or(b, new(big.Int).SetUint64(u.Lo))
}

func (u Uint128) String() string {
	return u.Big().String()
}

// MarshalJSON implements json.Marshaler.
func (u Uint128) MarshalJSON() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (u *Uint128) UnmarshalJSON(data []byte) error {
	b, ok := new(big.Int).SetString(string(data), 10)
	if !ok || b.Sign() < 0 || b.BitLen() > 128 {
		return fmt.Errorf("expected an unsigned 128-bit integer, got %s", data)
	}
	lo := new(big.Int).And(b, new(big.Int).SetUint64(^uint64(0)))
	hi := new(big.Int).Rsh(b, 64)
	*u = Uint128{Hi: hi.Uint64(), Lo: lo.Uint64()}
	return nil
}
