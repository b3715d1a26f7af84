package payload

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
)

// maxKeygenAttempts bounds the rejection-sampling loop. Randomly drawn
// 32-byte values are valid secp256k1 scalars with overwhelming
// probability, so exhausting the bound means the entropy source is
// broken, not that we were unlucky.
const maxKeygenAttempts = 100

// ErrEntropyExhausted is returned when no valid scalar was found within
// the attempt bound. It is unrecoverable: retrying without fixing the
// randomness source is pointless.
var ErrEntropyExhausted = errors.New(
	"no valid secp256k1 scalar from entropy source")

// EphemeralKeypair is a secp256k1 keypair generated fresh for one
// session, held only in memory and discarded at session end. It is never
// tied to wallet identity.
type EphemeralKeypair struct {
	priv *btcec.PrivateKey
	pub  *btcec.PublicKey
}

// GenerateEphemeralKeypair samples 32 random bytes until the value is a
// valid scalar, up to maxKeygenAttempts, and derives the compressed
// public key.
func GenerateEphemeralKeypair() (*EphemeralKeypair, error) {
	curveN := btcec.S256().N

	for attempt := 0; attempt < maxKeygenAttempts; attempt++ {
		var seed [32]byte
		if _, err := rand.Read(seed[:]); err != nil {
			return nil, fmt.Errorf("reading entropy: %w", err)
		}

		k := new(big.Int).SetBytes(seed[:])
		if k.Sign() == 0 || k.Cmp(curveN) >= 0 {
			continue
		}

		priv, pub := btcec.PrivKeyFromBytes(seed[:])
		return &EphemeralKeypair{priv: priv, pub: pub}, nil
	}

	return nil, ErrEntropyExhausted
}

// PublicKeyHex returns the 33-byte compressed public key, hex encoded,
// as embedded in the payload.
func (k *EphemeralKeypair) PublicKeyHex() string {
	return hex.EncodeToString(k.pub.SerializeCompressed())
}

// Zero wipes the private key material. The keypair must not be used for
// signing afterwards.
func (k *EphemeralKeypair) Zero() {
	if k.priv != nil {
		k.priv.Zero()
	}
}
