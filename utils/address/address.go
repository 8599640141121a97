package address

import (
	"strings"

	"github.com/moshvm/mvm/core/block"

	"github.com/mr-tron/base58"
)

// Prefix is the human-readable part of every rendered address.
const Prefix = "mvm1"

func checkSum(addr block.AddressType) byte {
	var res byte = 0
	for _, x := range addr {
		res += x
	}
	return res
}

func Parse(addr string) (block.AddressType, error) {
	var ra block.AddressType
	if !strings.HasPrefix(addr, Prefix) {
		return ra, block.ErrBadAddress
	}
	buf, err := base58.Decode(addr[len(Prefix):])
	if err != nil {
		return ra, block.ErrBadAddress
	}
	if len(buf) != block.AddressLen+1 {
		return ra, block.ErrBadAddress
	}
	copy(ra[:], buf[:block.AddressLen])
	if buf[block.AddressLen] != checkSum(ra) {
		return ra, block.ErrBadAddress
	}
	return ra, nil
}

func Encode(addr block.AddressType) string {
	buf := make([]byte, block.AddressLen+1)
	copy(buf[:block.AddressLen], addr[:])
	buf[block.AddressLen] = checkSum(addr)
	return Prefix + base58.Encode(buf)
}
