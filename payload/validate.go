package payload

import (
	"fmt"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"

	"github.com/tapcash/nearby/types"
)

// chainParams maps a protocol network onto btcd chain parameters.
func chainParams(n types.Network) (*chaincfg.Params, error) {
	switch n {
	case types.NetworkMainnet:
		return &chaincfg.MainNetParams, nil
	case types.NetworkTestnet:
		return &chaincfg.TestNet3Params, nil
	}
	return nil, fmt.Errorf("unknown network %q", n)
}

// ValidAddress reports whether the address is syntactically valid and
// belongs to the given network.
func ValidAddress(address string, network types.Network) bool {
	params, err := chainParams(network)
	if err != nil {
		return false
	}

	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return false
	}

	return addr.IsForNet(params)
}

// Validate runs the full ordered check sequence against a raw wire
// message and returns the parsed, now-trusted payload on success. Every
// failure carries a distinct error code so callers can tell an expired
// payload (useless to retry) from a bad signature (hostile or corrupted
// counterpart) from a network mismatch (user-actionable).
func Validate(raw []byte, expected types.Network) (*Payload, *types.NearbyError) {
	return validateAt(raw, expected, time.Now())
}

// validateAt is Validate with an injectable clock. The checks run in a
// fixed order and short-circuit on the first failure.
func validateAt(raw []byte, expected types.Network,
	now time.Time) (*Payload, *types.NearbyError) {

	p := Deserialize(raw)
	if p == nil {
		return nil, types.NewError(types.ErrPayloadInvalid,
			"message is not a well-formed payment request")
	}

	// (1) Protocol version.
	if p.Version != types.ProtocolVersion {
		return nil, types.NewError(types.ErrPayloadInvalid,
			fmt.Sprintf("unsupported protocol version %d", p.Version))
	}

	// (2) Message type.
	if p.MsgType != MsgTypePaymentRequest {
		return nil, types.NewError(types.ErrPayloadInvalid,
			fmt.Sprintf("unexpected message type %q", p.MsgType))
	}

	// (3) Request ID must have UUID v4 shape.
	if !validRequestID(p.RequestID) {
		return nil, types.NewError(types.ErrPayloadInvalid,
			"requestId is not a v4 UUID")
	}

	// (4) Creation time within clock-skew tolerance of our clock.
	nowMillis := now.UnixMilli()
	skew := nowMillis - p.CreatedAt
	if skew < 0 {
		skew = -skew
	}
	if skew > ClockSkewTolerance.Milliseconds() {
		return nil, types.NewError(types.ErrPayloadInvalid,
			"creation time outside clock skew tolerance")
	}

	// (5) Expiry must lie strictly after creation and within the
	// expiry window.
	if p.ExpiresAt <= p.CreatedAt ||
		p.ExpiresAt > p.CreatedAt+ExpiryWindow.Milliseconds() {

		return nil, types.NewError(types.ErrPayloadInvalid,
			"expiry is inconsistent with creation time")
	}

	// (6) Not yet expired. A payload expiring exactly now is still
	// accepted.
	if nowMillis > p.ExpiresAt {
		return nil, types.NewError(types.ErrPayloadExpired,
			"payment request has expired")
	}

	// (7) Address must be valid for the payload's own network.
	if !ValidAddress(p.Address, p.Network) {
		return nil, types.NewError(types.ErrAddressInvalid,
			fmt.Sprintf("address is not valid for network %s", p.Network))
	}

	// (8) The payload's network must match ours.
	if p.Network != expected {
		return nil, types.NewError(types.ErrNetworkMismatch,
			fmt.Sprintf("payload is for %s, expected %s",
				p.Network, expected))
	}

	// (9) Amount bounds.
	if p.AmountSats != nil {
		if *p.AmountSats < DustLimitSats || *p.AmountSats > MaxSupplySats {
			return nil, types.NewError(types.ErrAmountInvalid,
				fmt.Sprintf("amount %d sats outside [%d, %d]",
					*p.AmountSats, DustLimitSats, MaxSupplySats))
		}
	}

	// (10) Memo length and character class.
	if p.Memo != "" {
		if reason, ok := checkMemo(p.Memo); !ok {
			return nil, types.NewError(types.ErrPayloadInvalid, reason)
		}
	}

	// (11) Display-amount group consistency.
	if _, err := p.DisplayGroup(); err != nil {
		return nil, types.NewError(types.ErrPayloadInvalid, err.Error())
	}

	// (12) Ephemeral public key decodes to a 33-byte curve point.
	pubBytes, err := hexDecode(p.EphemeralPublicKey)
	if err != nil || len(pubBytes) != 33 {
		return nil, types.NewError(types.ErrPayloadInvalid,
			"ephemeral public key is not 33 bytes of hex")
	}
	pub, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return nil, types.NewError(types.ErrPayloadInvalid,
			"ephemeral public key is not a valid curve point")
	}

	// (13) Signature verifies against the recomputed canonical hash.
	sigBytes, err := hexDecode(p.Signature)
	if err != nil {
		return nil, types.NewError(types.ErrSignatureInvalid,
			"signature is not valid hex")
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return nil, types.NewError(types.ErrSignatureInvalid,
			"signature is not valid DER")
	}
	hash, hashErr := p.SigningHash()
	if hashErr != nil {
		return nil, types.NewError(types.ErrPayloadInvalid,
			hashErr.Error())
	}
	if !sig.Verify(hash[:], pub) {
		return nil, types.NewError(types.ErrSignatureInvalid,
			"signature does not verify against payload contents")
	}

	return p, nil
}

// validRequestID checks for the canonical 36-character v4 UUID shape.
func validRequestID(id string) bool {
	if len(id) != 36 {
		return false
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return false
	}

	return parsed.Version() == 4 && parsed.Variant() == uuid.RFC4122
}

// checkMemo enforces the memo constraints: at most MemoMaxLen runes,
// no control characters other than newline.
func checkMemo(memo string) (string, bool) {
	if !utf8.ValidString(memo) {
		return "memo is not valid UTF-8", false
	}

	if utf8.RuneCountInString(memo) > MemoMaxLen {
		return fmt.Sprintf("memo exceeds %d characters", MemoMaxLen), false
	}

	for _, r := range memo {
		if r != '\n' && unicode.IsControl(r) {
			return "memo contains control characters", false
		}
	}

	return "", true
}
