package settings

import "math/big"

// CompactToBig and CalcWork reimplement the compact-target <-> big.Int
// conversion and per-header work calculation that Bitcoin consensus code
// derives from a header's Bits field. They are reproduced locally rather
// than imported from a cryptographic-primitive library: see DESIGN.md's
// "pow" entry for why this one piece of arithmetic is carried in-tree
// instead of wired to a dependency.

// CompactToBig converts a compact representation of a target difficulty,
// as used in a block header's Bits field, to a big.Int.
//
// The format is similar to IEEE754 floating point: the first byte is the
// unsigned exponent of base 256, and the remaining three bytes are the
// mantissa. The sign bit (0x00800000) indicates a negative number.
func CompactToBig(compact uint32) *big.Int {
	mantissa := compact & 0x007fffff
	isNegative := compact&0x00800000 != 0
	exponent := compact >> 24

	var bn *big.Int
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		bn = big.NewInt(int64(mantissa))
	} else {
		bn = big.NewInt(int64(mantissa))
		bn.Lsh(bn, uint(8*(exponent-3)))
	}

	if isNegative {
		bn = bn.Neg(bn)
	}

	return bn
}

// BigToCompact converts a whole number N to a compact representation using
// an unsigned 32-bit number, the inverse of CompactToBig.
func BigToCompact(n *big.Int) uint32 {
	if n.Sign() == 0 {
		return 0
	}

	var mantissa uint32
	exponent := uint(len(n.Bytes()))

	if exponent <= 3 {
		mantissa = uint32(n.Bits()[0])
		mantissa <<= 8 * (3 - exponent)
	} else {
		tn := new(big.Int).Set(n)
		mantissa = uint32(tn.Rsh(tn, 8*(exponent-3)).Bits()[0])
	}

	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		exponent++
	}

	compact := uint32(exponent<<24) | mantissa
	if n.Sign() < 0 {
		compact |= 0x00800000
	}

	return compact
}

// oneLsh256 is 1 shifted left 256 bits, used as the divisor in CalcWork's
// "work done per unit of target" formula.
var oneLsh256 = new(big.Int).Lsh(big.NewInt(1), 256)

// CalcWork calculates the proof of work value for the given header bits.
// The value is calculated as:
//
//	(2^256 / (target+1))
//
// which is the number of hash attempts expected to produce a hash below
// the target, and so is a monotonically decreasing function of the target
// (and thus an increasing function of difficulty).
func CalcWork(bits uint32) *big.Int {
	target := CompactToBig(bits)
	if target.Sign() <= 0 {
		return big.NewInt(0)
	}

	denominator := new(big.Int).Add(target, big.NewInt(1))

	return new(big.Int).Div(oneLsh256, denominator)
}

// HashToBig converts a 32-byte hash, interpreted as a little-endian
// unsigned 256 bit number, to a big.Int.
func HashToBig(hash *[32]byte) *big.Int {
	buf := *hash
	for i := 0; i < len(buf)/2; i++ {
		buf[i], buf[len(buf)-1-i] = buf[len(buf)-1-i], buf[i]
	}

	return new(big.Int).SetBytes(buf[:])
}
