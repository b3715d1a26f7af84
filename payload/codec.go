package payload

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/google/uuid"

	"github.com/tapcash/nearby/types"
)

// URIScheme is the scheme of the QR fallback form. The QR form carries
// the exact serialized payload, base64url encoded, and round-trips
// through the same Serialize/Deserialize/Validate pipeline as the
// wireless form.
const (
	URIScheme = "nearby"
	URIHost   = "nearby"
)

// Params are the caller-supplied fields of a new payment request.
// Everything else (requestId, timestamps, keypair, signature) is
// generated.
type Params struct {
	Network    types.Network
	Address    string
	AmountSats *int64
	Memo       string

	// Display is the optional display-amount group; nil means none.
	Display *Display
}

// CreateSignedPayload fills all payload fields, generates a fresh
// ephemeral keypair, signs the canonical hash and returns the payload
// alongside the keypair. The caller owns the keypair and must Zero it
// once the session ends; the payload is immutable once signed.
func CreateSignedPayload(params Params) (*Payload, *EphemeralKeypair, error) {
	return createSignedPayloadAt(params, time.Now())
}

func createSignedPayloadAt(params Params,
	now time.Time) (*Payload, *EphemeralKeypair, error) {

	keypair, err := GenerateEphemeralKeypair()
	if err != nil {
		return nil, nil, err
	}

	p := &Payload{
		MsgType:            MsgTypePaymentRequest,
		Version:            types.ProtocolVersion,
		RequestID:          uuid.New().String(),
		CreatedAt:          now.UnixMilli(),
		ExpiresAt:          now.Add(ExpiryWindow).UnixMilli(),
		Network:            params.Network,
		Address:            params.Address,
		AmountSats:         params.AmountSats,
		Memo:               params.Memo,
		EphemeralPublicKey: keypair.PublicKeyHex(),
	}
	p.applyDisplay(params.Display)

	hash, err := p.SigningHash()
	if err != nil {
		keypair.Zero()
		return nil, nil, err
	}

	sig := ecdsa.Sign(keypair.priv, hash[:])
	p.Signature = hex.EncodeToString(sig.Serialize())

	return p, keypair, nil
}

// EncodeURI renders a serialized payload as the QR fallback URI of the
// form nearby://nearby?data=<base64url>.
func EncodeURI(p *Payload) (string, error) {
	raw, err := Serialize(p)
	if err != nil {
		return "", err
	}

	data := base64.RawURLEncoding.EncodeToString(raw)
	return fmt.Sprintf("%s://%s?data=%s", URIScheme, URIHost, data), nil
}

// DecodeURI extracts the serialized payload bytes from a QR fallback
// URI. The returned bytes feed the normal Deserialize/Validate pipeline;
// there is no separate validation path for scanned payloads.
func DecodeURI(rawURI string) ([]byte, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return nil, fmt.Errorf("malformed nearby URI: %w", err)
	}

	if u.Scheme != URIScheme || u.Host != URIHost {
		return nil, fmt.Errorf("not a nearby payment URI: %s", rawURI)
	}

	data := u.Query().Get("data")
	if data == "" {
		return nil, fmt.Errorf("nearby URI missing data parameter")
	}

	raw, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		// Tolerate padded encoders.
		raw, err = base64.URLEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("nearby URI data is not base64url: %w", err)
		}
	}

	return raw, nil
}
