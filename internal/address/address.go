// Package address derives the deterministic record keys used by the store:
// one market per project ID, one position per (market, user, side) and one
// escrow account per market holding its pooled balance.
//
// Keys are keccak256 digests rendered as 0x-prefixed hex, so they are stable
// across processes and storage backends.
package address

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vapor/market-engine/internal/model"
)

// Seeds namespace each key family.
const (
	MarketSeed   = "vapor-market"
	PositionSeed = "vapor-position"
	EscrowSeed   = "vapor-escrow"
)

// Market returns the key of the market tracking projectID.
func Market(projectID uint64) string {
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], projectID)
	return derive(MarketSeed, id[:])
}

// Position returns the key of user's position on side of marketKey.
func Position(marketKey, user string, side model.Side) string {
	return derive(PositionSeed, []byte(marketKey), []byte(user), []byte{byte(side)})
}

// Escrow returns the account identity holding marketKey's pooled balance.
func Escrow(marketKey string) string {
	return derive(EscrowSeed, []byte(marketKey))
}

// derive hashes the seed and each part with a 32-bit big-endian length prefix
// so that variable-length parts cannot collide by shifting bytes between them.
func derive(seed string, parts ...[]byte) string {
	buf := make([]byte, 0, 64)
	buf = appendPart(buf, []byte(seed))
	for _, p := range parts {
		buf = appendPart(buf, p)
	}
	return crypto.Keccak256Hash(buf).Hex()
}

func appendPart(buf, p []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p)))
	return append(buf, p...)
}
