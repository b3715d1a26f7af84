// Package types holds the shared vocabulary of the nearby payment
// exchange protocol: networks, the error taxonomy, discovered peers and
// session roles.
package types

import (
	"time"
)

// ProtocolVersion is the fixed version carried in every payment request
// payload. Receivers reject any other value.
const ProtocolVersion = 1

// Network represents the Bitcoin network a payload is bound to.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
)

func (n Network) String() string {
	return string(n)
}

// Valid reports whether the network is one of the supported values.
func (n Network) Valid() bool {
	return n == NetworkMainnet || n == NetworkTestnet
}

// Role identifies which side of a nearby session this device plays.
type Role string

const (
	// RoleReceiver advertises a signed payment request and waits for a
	// sender to pick it up.
	RoleReceiver Role = "receive"

	// RoleSender discovers nearby receivers and pulls their payload.
	RoleSender Role = "send"
)

// DisplayDenomination is the unit the requester chose to display the
// amount in. It is an echo for the counterpart's screen only; the
// authoritative amount is always amountSats.
type DisplayDenomination string

const (
	DenominationBTC  DisplayDenomination = "btc"
	DenominationSats DisplayDenomination = "sats"
	DenominationFiat DisplayDenomination = "fiat"
)

// Valid reports whether the denomination is a known unit.
func (d DisplayDenomination) Valid() bool {
	switch d {
	case DenominationBTC, DenominationSats, DenominationFiat:
		return true
	}
	return false
}

// DiscoveredPeer is a candidate counterparty seen on the wireless medium
// but not yet connected. Peers are never persisted.
type DiscoveredPeer struct {
	PeerID       string    `json:"peerId"`
	DisplayName  string    `json:"displayName"`
	DiscoveredAt time.Time `json:"discoveredAt"`
}

// UTXO is a single unspent output reported by a blockchain query
// service for a watched address. Confirmed distinguishes mined outputs
// from mempool ones; payment detection counts both, since a nearby
// payment should be noticed at broadcast rather than a block later.
type UTXO struct {
	TxID      string `json:"txid"`
	Vout      uint32 `json:"vout"`
	Value     int64  `json:"value"`
	Confirmed bool   `json:"confirmed"`
}

// ErrorCode classifies a protocol failure. The set is deliberately flat:
// callers branch on the code to decide whether retrying, falling back to
// the QR path, or prompting for a device setting is the right response.
type ErrorCode string

const (
	ErrTransportUnavailable ErrorCode = "TRANSPORT_UNAVAILABLE"
	ErrPermissionDenied     ErrorCode = "PERMISSION_DENIED"
	ErrRadioOff             ErrorCode = "RADIO_OFF"
	ErrConnectionFailed     ErrorCode = "CONNECTION_FAILED"
	ErrExchangeFailed       ErrorCode = "EXCHANGE_FAILED"
	ErrPayloadInvalid       ErrorCode = "PAYLOAD_INVALID"
	ErrPayloadExpired       ErrorCode = "PAYLOAD_EXPIRED"
	ErrSignatureInvalid     ErrorCode = "SIGNATURE_INVALID"
	ErrAddressInvalid       ErrorCode = "ADDRESS_INVALID"
	ErrNetworkMismatch      ErrorCode = "NETWORK_MISMATCH"
	ErrAmountInvalid        ErrorCode = "AMOUNT_INVALID"
	ErrUnknown              ErrorCode = "UNKNOWN"
)

// NearbyError is the typed error carried through the session record and
// surfaced to presentation layers.
type NearbyError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *NearbyError) Error() string {
	return e.Message
}

// NewError builds a NearbyError with the given code and message.
func NewError(code ErrorCode, message string) *NearbyError {
	return &NearbyError{Code: code, Message: message}
}

// Recoverable reports whether the failure is one the user can act on
// without abandoning the session entirely (fall back to QR, grant a
// permission, flip a radio back on).
func (e *NearbyError) Recoverable() bool {
	switch e.Code {
	case ErrTransportUnavailable, ErrPermissionDenied, ErrRadioOff,
		ErrConnectionFailed:
		return true
	}
	return false
}
