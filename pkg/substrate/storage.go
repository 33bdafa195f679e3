package substrate

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"
)

// Twox128 is the storage hasher substrate uses for pallet and item names.
func Twox128(data []byte) []byte {
	out := make([]byte, 0, 16)
	for seed := uint64(0); seed < 2; seed++ {
		d := xxhash.NewWithSeed(seed)
		_, _ = d.Write(data)
		out = binary.LittleEndian.AppendUint64(out, d.Sum64())
	}
	return out
}

// Blake2_128Concat hashes data and keeps it in the clear after the hash.
func Blake2_128Concat(data []byte) []byte {
	h, _ := blake2b.New(16, nil)
	_, _ = h.Write(data)
	return append(h.Sum(nil), data...)
}

func storagePrefix(pallet, item string) []byte {
	return append(Twox128([]byte(pallet)), Twox128([]byte(item))...)
}

// SystemAccountKey is the key of System.Account for the account.
func SystemAccountKey(id AccountID) []byte {
	return append(storagePrefix("System", "Account"), Blake2_128Concat(id[:])...)
}

// AssetsAccountKey is the key of Assets.Account for the asset and account.
func AssetsAccountKey(assetID uint32, id AccountID) []byte {
	key := storagePrefix("Assets", "Account")
	key = append(key, Blake2_128Concat(binary.LittleEndian.AppendUint32(nil, assetID))...)
	return append(key, Blake2_128Concat(id[:])...)
}

const (
	accountInfoHeader = 16 // nonce, consumers, providers, sufficients
	u128Size          = 16
)

// DecodeAccountData returns free and reserved balances of a System.Account value.
func DecodeAccountData(raw []byte) (free, reserved *big.Int, err error) {
	if len(raw) < accountInfoHeader+2*u128Size {
		return nil, nil, fmt.Errorf("account info: short value of %d bytes", len(raw))
	}
	free = u128(raw[accountInfoHeader:])
	reserved = u128(raw[accountInfoHeader+u128Size:])
	return free, reserved, nil
}

// DecodeAssetBalance returns the balance of an Assets.Account value.
func DecodeAssetBalance(raw []byte) (*big.Int, error) {
	if len(raw) < u128Size {
		return nil, fmt.Errorf("asset account: short value of %d bytes", len(raw))
	}
	return u128(raw), nil
}

func u128(le []byte) *big.Int {
	be := make([]byte, u128Size)
	for i := 0; i < u128Size; i++ {
		be[u128Size-1-i] = le[i]
	}
	return new(big.Int).SetBytes(be)
}
