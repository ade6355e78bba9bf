package fair

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const (
	MinMultiplier = 1.00

	// SeedBytes is the entropy of a server seed (256 bits).
	SeedBytes = 32
)

// Params fixes the public parameters of the crash formula. Every verifier
// must use the same values to reproduce a round's crash point.
type Params struct {
	HouseEdge     float64
	MaxMultiplier float64
}

func DefaultParams() Params {
	return Params{HouseEdge: 0.02, MaxMultiplier: 1000.0}
}

// Commitment is a server seed together with its published hash. The seed
// stays secret until the round crashes; the hash is the commitment shown
// to players before betting opens.
type Commitment struct {
	ServerSeed     string
	ServerSeedHash string
}

// NewCommitment generates a fresh server seed from the CSPRNG and its
// SHA-256 commitment hash.
func NewCommitment() Commitment {
	b := make([]byte, SeedBytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the host is unusable for fair play.
		panic(fmt.Sprintf("fair: entropy source failed: %v", err))
	}
	seed := hex.EncodeToString(b)
	return Commitment{
		ServerSeed:     seed,
		ServerSeedHash: HashSeed(seed),
	}
}

// NewClientSeed generates a house-side client seed. It is published
// before betting closes; player-contributed entropy can replace it
// without touching the formula.
func NewClientSeed() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("fair: entropy source failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// HashSeed returns the hex SHA-256 of a seed, the published commitment.
func HashSeed(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// CrashPoint deterministically maps the seed pair and nonce to a crash
// multiplier.
//
// The published formula: h = first 32 bits of SHA-256("server:client:nonce")
// as an unsigned integer, raw = 2^32 / (h+1), then the house edge haircut
// and a clamp to the configured maximum. The result is truncated (not
// rounded) to two decimals so independent implementations agree bit-for-bit.
func CrashPoint(serverSeed, clientSeed string, nonce uint64, p Params) float64 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", serverSeed, clientSeed, nonce)))
	h := binary.BigEndian.Uint32(sum[:4])

	// h+1 guards the h == 2^32-1 edge; h == 0 yields 2^32, clamped below.
	raw := float64(1<<32) / (float64(h) + 1)
	crash := raw * (1 - p.HouseEdge)
	if crash < MinMultiplier {
		crash = MinMultiplier
	}
	if crash > p.MaxMultiplier {
		crash = p.MaxMultiplier
	}
	return Truncate2(crash)
}

// Verify recomputes the crash point for a revealed seed pair and compares
// it exactly against the claimed value.
func Verify(serverSeed, clientSeed string, nonce uint64, claimed float64, p Params) bool {
	return CrashPoint(serverSeed, clientSeed, nonce, p) == claimed
}

// VerifyCommitment checks that a revealed server seed matches the hash
// published before the round.
func VerifyCommitment(serverSeed, serverSeedHash string) bool {
	return HashSeed(serverSeed) == serverSeedHash
}

// Truncate2 truncates toward zero to two decimal places. Truncation, not
// rounding, is part of the published formula.
func Truncate2(v float64) float64 {
	return float64(int64(v*100)) / 100
}
