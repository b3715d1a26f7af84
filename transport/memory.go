package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/tapcash/nearby/types"
)

// eventBuffer sizes the endpoint channels. The protocol exchanges a
// handful of events per session; the buffer only has to absorb bursts
// while the orchestrator catches up.
const eventBuffer = 32

// MemoryPair is an in-process carrier connecting two endpoints through
// channels. It models the interesting parts of a real short-range
// medium: discovery is asymmetric, connections require a manual accept,
// and either side can vanish at any time. Tests and the examples use it
// in place of a BLE or peer-discovery binding.
type MemoryPair struct {
	Receiver *MemoryEndpoint
	Sender   *MemoryEndpoint
}

// NewMemoryPair wires two endpoints together.
func NewMemoryPair(receiverID, receiverName, senderID, senderName string) *MemoryPair {
	hub := &sync.Mutex{}

	receiver := &MemoryEndpoint{id: receiverID, name: receiverName, mu: hub}
	sender := &MemoryEndpoint{id: senderID, name: senderName, mu: hub}
	receiver.peer = sender
	sender.peer = receiver

	return &MemoryPair{Receiver: receiver, Sender: sender}
}

// MemoryEndpoint is one side of a MemoryPair.
type MemoryEndpoint struct {
	id   string
	name string
	peer *MemoryEndpoint

	// mu is shared by both endpoints of the pair so cross-endpoint
	// operations need no lock ordering.
	mu *sync.Mutex

	events      chan Event
	done        chan struct{}
	started     bool
	advertising bool
	browsing    bool
	invited     bool
	connected   bool
	stopped     bool
}

// ID returns the endpoint's peer identifier on the medium.
func (e *MemoryEndpoint) ID() string {
	return e.id
}

// StartReceiver begins advertising. If the peer is already browsing,
// this endpoint immediately appears in the peer's discovery feed. The
// payload itself travels over an explicit SendPayload after the
// connection completes, as on a real medium where the advertisement
// carries only the service identity.
func (e *MemoryEndpoint) StartReceiver(ctx context.Context,
	payload []byte) (<-chan Event, error) {

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil, fmt.Errorf("endpoint %s already started", e.id)
	}

	e.events = make(chan Event, eventBuffer)
	e.done = make(chan struct{})
	e.started = true
	e.advertising = true
	e.stopped = false

	if e.peer.browsing {
		e.peer.emitLocked(Event{
			Type:        EventPeerDiscovered,
			PeerID:      e.id,
			DisplayName: e.name,
		})
	}

	go e.watchContext(ctx)
	return e.events, nil
}

// StartSender begins discovering advertising receivers.
func (e *MemoryEndpoint) StartSender(ctx context.Context) (<-chan Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil, fmt.Errorf("endpoint %s already started", e.id)
	}

	e.events = make(chan Event, eventBuffer)
	e.done = make(chan struct{})
	e.started = true
	e.browsing = true
	e.stopped = false

	if e.peer.advertising {
		e.emitLocked(Event{
			Type:        EventPeerDiscovered,
			PeerID:      e.peer.id,
			DisplayName: e.peer.name,
		})
	}

	go e.watchContext(ctx)
	return e.events, nil
}

// Connect asks the advertising peer for a connection (sender role). The
// receiver sees the request as a discovered pending peer and decides
// whether to accept it.
func (e *MemoryEndpoint) Connect(peerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.browsing {
		return fmt.Errorf("endpoint %s is not browsing", e.id)
	}
	if peerID != e.peer.id || !e.peer.advertising {
		return fmt.Errorf("no advertising peer %s", peerID)
	}

	e.invited = true
	e.peer.emitLocked(Event{
		Type:        EventPeerDiscovered,
		PeerID:      e.id,
		DisplayName: e.name,
	})
	return nil
}

// Accept invites a specific pending peer (receiver role) and completes
// the connection on both sides.
func (e *MemoryEndpoint) Accept(peerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.advertising {
		return fmt.Errorf("endpoint %s is not advertising", e.id)
	}
	if peerID != e.peer.id || !e.peer.invited {
		return fmt.Errorf("no pending peer %s", peerID)
	}

	e.connected = true
	e.peer.connected = true

	e.emitLocked(Event{
		Type:        EventPeerConnected,
		PeerID:      e.peer.id,
		DisplayName: e.peer.name,
	})
	e.peer.emitLocked(Event{
		Type:        EventPeerConnected,
		PeerID:      e.id,
		DisplayName: e.name,
	})
	return nil
}

// SendPayload pushes the serialized payment request to the connected
// peer and acknowledges delivery locally.
func (e *MemoryEndpoint) SendPayload(ctx context.Context, peerID string,
	data []byte) error {

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkConnectedLocked(peerID); err != nil {
		return err
	}

	e.peer.emitLocked(Event{
		Type:   EventPayloadReceived,
		PeerID: e.id,
		Data:   data,
	})
	e.emitLocked(Event{
		Type:   EventPayloadDelivered,
		PeerID: peerID,
	})
	return nil
}

// SendText delivers free-form text to the connected peer.
func (e *MemoryEndpoint) SendText(ctx context.Context, peerID,
	text string) error {

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkConnectedLocked(peerID); err != nil {
		return err
	}

	e.peer.emitLocked(Event{
		Type:   EventTextReceived,
		PeerID: e.id,
		Text:   text,
	})
	return nil
}

func (e *MemoryEndpoint) checkConnectedLocked(peerID string) error {
	if !e.connected || peerID != e.peer.id {
		return fmt.Errorf("not connected to peer %s", peerID)
	}
	if e.peer.stopped {
		return &types.NearbyError{
			Code:    types.ErrConnectionFailed,
			Message: fmt.Sprintf("peer %s is gone", peerID),
		}
	}
	return nil
}

// Stop tears the endpoint down. The connected peer, if any, observes a
// disconnect. Stop is idempotent.
func (e *MemoryEndpoint) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started || e.stopped {
		return nil
	}

	if e.connected {
		e.peer.emitLocked(Event{
			Type:   EventPeerDisconnected,
			PeerID: e.id,
		})
		e.peer.connected = false
	}

	e.stopped = true
	e.started = false
	e.advertising = false
	e.browsing = false
	e.invited = false
	e.connected = false
	close(e.events)
	close(e.done)
	return nil
}

func (e *MemoryEndpoint) watchContext(ctx context.Context) {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()

	select {
	case <-ctx.Done():
		_ = e.Stop()
	case <-done:
	}
}

// emitLocked delivers an event if the endpoint is live. Events for a
// stopped or saturated endpoint are dropped, mirroring a lossy radio
// link.
func (e *MemoryEndpoint) emitLocked(ev Event) {
	if !e.started || e.stopped || e.events == nil {
		return
	}

	select {
	case e.events <- ev:
	default:
	}
}
