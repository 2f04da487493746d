package util

import (
	"math/big"
	"strings"
)

// StringToBigInt parses a base-10 decimal string. An empty string counts
// as zero, which is what an unset decimal column scans to.
func StringToBigInt(str string) (*big.Int, bool) {
	str = strings.TrimSpace(str)
	if str == "" {
		return new(big.Int), true
	}
	return new(big.Int).SetString(str, 10)
}

// BigIntToString renders a big.Int as a base-10 decimal string, nil as "0".
func BigIntToString(b *big.Int) string {
	if b == nil {
		return "0"
	}
	return b.String()
}
