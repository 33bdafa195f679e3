package substrate

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

var ErrInvalidAddress = errors.New("substrate: invalid ss58 address")

var ss58Prefix = []byte("SS58PRE")

// AccountID is a 32 byte public key.
type AccountID [32]byte

// DecodeSS58 returns the account id and network prefix of an ss58 address.
func DecodeSS58(address string) (AccountID, uint16, error) {
	var id AccountID

	raw, err := base58.Decode(address)
	if err != nil {
		return id, 0, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	if len(raw) < 1 {
		return id, 0, ErrInvalidAddress
	}

	var (
		prefix    uint16
		prefixLen int
	)
	switch {
	case raw[0] < 64:
		prefix, prefixLen = uint16(raw[0]), 1
	case raw[0] < 128 && len(raw) > 1:
		lower := (raw[0] << 2) | (raw[1] >> 6)
		upper := raw[1] & 0x3f
		prefix, prefixLen = uint16(lower)|uint16(upper)<<8, 2
	default:
		return id, 0, fmt.Errorf("%w: reserved prefix %d", ErrInvalidAddress, raw[0])
	}

	if len(raw) != prefixLen+len(id)+2 {
		return id, 0, fmt.Errorf("%w: unexpected length %d", ErrInvalidAddress, len(raw))
	}

	body := raw[:prefixLen+len(id)]
	sum := checksum(body)
	if sum[0] != raw[len(body)] || sum[1] != raw[len(body)+1] {
		return id, 0, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}

	copy(id[:], body[prefixLen:])
	return id, prefix, nil
}

// EncodeSS58 formats the account id for the network with the given prefix.
func EncodeSS58(id AccountID, prefix uint16) string {
	var body []byte
	if prefix < 64 {
		body = append(body, byte(prefix))
	} else {
		body = append(body,
			byte((prefix&0xfc)>>2)|0x40,
			byte(prefix>>8)|byte((prefix&0x03)<<6),
		)
	}
	body = append(body, id[:]...)

	sum := checksum(body)
	return base58.Encode(append(body, sum[0], sum[1]))
}

func checksum(body []byte) [blake2b.Size]byte {
	return blake2b.Sum512(append(append([]byte{}, ss58Prefix...), body...))
}
