package types

import (
	"fmt"
)

func BlockCacheKey(blockNumber uint64) string {
	return fmt.Sprintf("block:%d", blockNumber)
}

func TokenCacheKey(tokenID uint16) string {
	return fmt.Sprintf("token:%d", tokenID)
}
