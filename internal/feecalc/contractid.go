package feecalc

import "github.com/stellar/go/strkey"

func encodeContractID(raw []byte) (string, error) {
	return strkey.Encode(strkey.VersionByteContract, raw)
}
