// Package transport defines the contract any wireless carrier of the
// nearby exchange protocol must implement, and ships two built-in
// carriers: an in-process pair used in tests and examples, and the
// offline QR fallback.
//
// Transports surface their activity as events on a channel rather than
// callbacks, so the orchestrator drains them from a single goroutine and
// serializes them against user actions. Events may originate on
// arbitrary goroutines inside a transport; the channel is the boundary.
package transport

import (
	"context"

	"github.com/tapcash/nearby/types"
)

// EventType names the events a transport must surface.
type EventType string

const (
	// EventPeerDiscovered reports a candidate counterparty on the
	// medium. On the receiver side this is a sender asking to connect;
	// on the sender side it is an advertising receiver.
	EventPeerDiscovered EventType = "peer_discovered"

	// EventPeerLost reports a previously discovered peer leaving the
	// medium before any connection.
	EventPeerLost EventType = "peer_lost"

	// EventPeerConnected reports an established connection, with the
	// peer's display name when the medium carries one.
	EventPeerConnected EventType = "peer_connected"

	// EventPeerDisconnected reports a dropped connection.
	EventPeerDisconnected EventType = "peer_disconnected"

	// EventPayloadReceived carries the serialized payment request
	// pulled from the connected peer.
	EventPayloadReceived EventType = "payload_received"

	// EventPayloadDelivered acknowledges that a pushed payload reached
	// the peer.
	EventPayloadDelivered EventType = "payload_delivered"

	// EventTextReceived carries free-form text from the connected
	// peer; the protocol uses it for accept/decline signalling.
	EventTextReceived EventType = "text_received"

	// EventError carries a transport failure classified by error code.
	EventError EventType = "error"

	// EventTimeout reports that the scan window elapsed with no
	// usable peer.
	EventTimeout EventType = "timeout"
)

// Event is a single occurrence on the wireless medium.
type Event struct {
	Type        EventType
	PeerID      string
	DisplayName string
	Data        []byte
	Text        string
	Err         *types.NearbyError
}

// Transport is the capability set a carrier must provide. A session uses
// exactly one role: StartReceiver advertises a payload and waits for
// senders, StartSender discovers advertising receivers. Both return the
// event channel the orchestrator drains; the channel closes when the
// transport stops.
//
// Cancelling the context passed to StartReceiver or StartSender must
// stop the carrier, including when cancellation races the start itself:
// a carrier started on an already-cancelled context shuts down rather
// than advertise.
//
// Stop must be idempotent, and every operation must be safe to call
// concurrently with events being produced.
type Transport interface {
	StartReceiver(ctx context.Context, payload []byte) (<-chan Event, error)
	StartSender(ctx context.Context) (<-chan Event, error)

	// Accept invites a specific pending peer (receiver role). Peer
	// selection is always manual: auto-connecting to the first device
	// found would let a drive-by peer complete a handshake with the
	// wrong counterpart.
	Accept(peerID string) error

	// Connect dials a specific discovered receiver (sender role).
	Connect(peerID string) error

	SendText(ctx context.Context, peerID, text string) error
	SendPayload(ctx context.Context, peerID string, data []byte) error

	Stop() error
}
