package events

import (
	"math/big"
	"strconv"

	"zhype/crypto"
)

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatAddr(prefix crypto.AddressPrefix, addr [20]byte) string {
	return crypto.MustNewAddress(prefix, addr[:]).String()
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
