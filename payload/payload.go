// Package payload implements the signed payment-request message of the
// nearby exchange protocol: construction, canonical serialization,
// signing, verification and the human-verifiable confirmation code.
//
// A payload is authenticated by a per-session ephemeral secp256k1 key
// rather than a persistent wallet identity key. A compromised session
// therefore exposes nothing beyond that single handshake, and no durable
// identity ever crosses the open radio channel.
package payload

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/tapcash/nearby/types"
)

const (
	// MsgTypePaymentRequest tags the signed payment request message.
	MsgTypePaymentRequest = "payment_request"

	// MsgTypeAccept and MsgTypeDecline tag the sender's response text.
	MsgTypeAccept  = "accept"
	MsgTypeDecline = "decline"

	// ExpiryWindow is the maximum lifetime of a payload past its
	// creation time.
	ExpiryWindow = 10 * time.Minute

	// ClockSkewTolerance bounds how far a payload's createdAt may
	// drift from the verifier's clock in either direction.
	ClockSkewTolerance = 15 * time.Minute

	// DustLimitSats is the minimum economically spendable amount.
	DustLimitSats int64 = 546

	// MaxSupplySats is 21 million BTC expressed in satoshis.
	MaxSupplySats int64 = 2_100_000_000_000_000

	// MemoMaxLen is the maximum memo length in runes.
	MemoMaxLen = 100
)

var structValidate = validator.New()

// Payload is the wire form of a payment request. Field declaration order
// is the canonical encoding order: encoding/json emits struct fields in
// declaration order, and optional fields carry omitempty, so a payload
// without the display group serializes and hashes exactly as it did
// before the group existed.
type Payload struct {
	MsgType             string        `json:"type" validate:"required"`
	Version             int           `json:"version" validate:"required"`
	RequestID           string        `json:"requestId" validate:"required"`
	CreatedAt           int64         `json:"createdAt" validate:"required"`
	ExpiresAt           int64         `json:"expiresAt" validate:"required"`
	Network             types.Network `json:"network" validate:"required"`
	Address             string        `json:"address" validate:"required"`
	AmountSats          *int64        `json:"amountSats,omitempty"`
	DisplayDenomination string        `json:"displayDenomination,omitempty"`
	DisplayAmount       string        `json:"displayAmount,omitempty"`
	DisplayCurrency     string        `json:"displayCurrency,omitempty"`
	Memo                string        `json:"memo,omitempty"`
	EphemeralPublicKey  string        `json:"ephemeralPublicKey" validate:"required"`
	Signature           string        `json:"signature,omitempty"`
}

// Display is the optional human-readable echo of the requested amount in
// the requester's chosen unit. A nil *Display means no display group is
// present; the three wire keys only ever appear together.
type Display struct {
	Denomination types.DisplayDenomination
	Amount       decimal.Decimal

	// Currency is the ISO 4217 code; required when Denomination is
	// fiat, empty otherwise.
	Currency string
}

// DisplayGroup decodes the flattened display keys back into the sum
// type. It returns nil when no display group is present and an error
// when the wire keys are inconsistent with each other.
func (p *Payload) DisplayGroup() (*Display, error) {
	if p.DisplayDenomination == "" && p.DisplayAmount == "" &&
		p.DisplayCurrency == "" {

		return nil, nil
	}

	denom := types.DisplayDenomination(p.DisplayDenomination)
	if !denom.Valid() {
		return nil, fmt.Errorf("unknown display denomination %q",
			p.DisplayDenomination)
	}

	if p.DisplayAmount == "" {
		return nil, fmt.Errorf("display denomination without amount")
	}
	amount, err := decimal.NewFromString(p.DisplayAmount)
	if err != nil {
		return nil, fmt.Errorf("display amount %q is not a decimal",
			p.DisplayAmount)
	}

	if denom == types.DenominationFiat && p.DisplayCurrency == "" {
		return nil, fmt.Errorf("fiat display requires a currency code")
	}

	return &Display{
		Denomination: denom,
		Amount:       amount,
		Currency:     p.DisplayCurrency,
	}, nil
}

// applyDisplay flattens a Display group onto the wire fields.
func (p *Payload) applyDisplay(d *Display) {
	if d == nil {
		return
	}

	p.DisplayDenomination = string(d.Denomination)
	p.DisplayAmount = d.Amount.String()
	p.DisplayCurrency = d.Currency
}

// signingView is the canonical pre-image of the signature: every payload
// field in canonical order, minus the signature itself.
func (p *Payload) signingView() Payload {
	view := *p
	view.Signature = ""
	return view
}

// SigningHash computes the SHA-256 of the canonical encoding of all
// signed fields. Both signing and verification go through here; any
// field change after signing produces a different hash.
func (p *Payload) SigningHash() ([32]byte, error) {
	raw, err := json.Marshal(p.signingView())
	if err != nil {
		return [32]byte{}, fmt.Errorf("canonical encoding failed: %w", err)
	}

	return sha256.Sum256(raw), nil
}

// Serialize encodes the payload as newline-free canonical JSON.
func Serialize(p *Payload) ([]byte, error) {
	return json.Marshal(p)
}

// Deserialize decodes raw bytes into a payload. It returns nil on
// malformed input, including JSON that is missing any required field;
// semantic validation is a separate step (Validate).
func Deserialize(raw []byte) *Payload {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}

	// Struct-tag pre-pass: a decoded message missing required keys is
	// treated as malformed, not as a decoded-but-invalid payload.
	if err := structValidate.Struct(&p); err != nil {
		return nil
	}

	return &p
}

// confirmationHash is split out so tests can reason about the reduction.
func confirmationHash(requestID string) [32]byte {
	return sha256.Sum256([]byte(requestID))
}

// DeriveConfirmationCode maps a requestId onto a 6-digit code both
// parties compute independently: SHA-256 of the requestId, first four
// bytes read big-endian, reduced mod 1e6, zero-padded. The code is read
// aloud or compared on screen as an out-of-band check with no extra
// round-trip.
func DeriveConfirmationCode(requestID string) string {
	h := confirmationHash(requestID)

	v := uint32(h[0])<<24 | uint32(h[1])<<16 | uint32(h[2])<<8 | uint32(h[3])
	return fmt.Sprintf("%06d", v%1_000_000)
}

// AcceptMessage is the free-form text the sender pushes back over the
// connected channel to accept or decline a received payment request.
type AcceptMessage struct {
	MsgType          string `json:"type"`
	RequestID        string `json:"requestId"`
	ConfirmationCode string `json:"confirmationCode,omitempty"`
	DisplayName      string `json:"displayName,omitempty"`
}

// NewAcceptMessage builds an acceptance carrying the confirmation code
// derived from the shared requestId.
func NewAcceptMessage(requestID, displayName string) AcceptMessage {
	return AcceptMessage{
		MsgType:          MsgTypeAccept,
		RequestID:        requestID,
		ConfirmationCode: DeriveConfirmationCode(requestID),
		DisplayName:      displayName,
	}
}

// NewDeclineMessage builds a decline for the given request.
func NewDeclineMessage(requestID string) AcceptMessage {
	return AcceptMessage{
		MsgType:   MsgTypeDecline,
		RequestID: requestID,
	}
}

// Encode renders the message as the wire text.
func (m AcceptMessage) Encode() (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ParseAcceptMessage decodes an accept/decline text message.
func ParseAcceptMessage(text string) (*AcceptMessage, error) {
	var m AcceptMessage
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return nil, fmt.Errorf("malformed response message: %w", err)
	}

	if m.MsgType != MsgTypeAccept && m.MsgType != MsgTypeDecline {
		return nil, fmt.Errorf("unexpected message type %q", m.MsgType)
	}
	if m.RequestID == "" {
		return nil, fmt.Errorf("response message missing requestId")
	}

	return &m, nil
}

// hexDecode is a small helper shared by validation and key handling.
func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
