// Package session implements the state machine that is the
// authoritative in-memory record of where a nearby session is in its
// lifecycle. A single session record exists per device; everything else
// in the library mutates and reads it through the operations here.
package session

import (
	"sync"
	"time"

	"github.com/tapcash/nearby/payload"
	"github.com/tapcash/nearby/types"
)

// State is the lifecycle position of a nearby session.
type State string

const (
	StateIdle              State = "idle"
	StateInitializing      State = "initializing"
	StateAdvertising       State = "advertising"
	StateScanning          State = "scanning"
	StateConnecting        State = "connecting"
	StateExchanging        State = "exchanging"
	StateValidating        State = "validating"
	StatePendingAcceptance State = "pending_acceptance"
	StateCompleted         State = "completed"
	StateError             State = "error"
	StateTimeout           State = "timeout"
	StateCancelled         State = "cancelled"
)

// transitions is the exhaustive table of allowed state changes. Any pair
// not listed is refused.
var transitions = map[State][]State{
	StateIdle:         {StateInitializing},
	StateInitializing: {StateAdvertising, StateScanning, StateError},
	StateAdvertising: {
		StateExchanging, StateTimeout, StateCancelled, StateError,
	},
	StateScanning: {
		StateConnecting, StateTimeout, StateCancelled, StateError,
	},
	StateConnecting: {
		StateExchanging, StateError, StateTimeout, StateCancelled,
	},
	StateExchanging: {
		StateValidating, StatePendingAcceptance, StateCompleted,
		StateError,
	},
	StateValidating: {
		StatePendingAcceptance, StateCompleted, StateError,
		StateCancelled,
	},
	StatePendingAcceptance: {
		StateCompleted, StateError, StateTimeout, StateCancelled,
		StateIdle,
	},
	StateError:     {StateIdle, StateInitializing, StateScanning},
	StateTimeout:   {StateIdle, StateInitializing, StateScanning},
	StateCompleted: {StateIdle},
	StateCancelled: {StateIdle},
}

// Terminal reports whether a state ends the active exchange.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateError, StateTimeout, StateCancelled:
		return true
	}
	return false
}

// Session is the single mutable record shared between the orchestrator,
// the transports and the UI. All access goes through the mutex: the
// wireless stack's callbacks race freely against user-driven
// cancellation, and the lock is the single-writer discipline that
// serializes them.
type Session struct {
	mu sync.Mutex

	state              State
	role               types.Role
	err                *types.NearbyError
	payload            *payload.Payload
	peerName           string
	receivedAmountSats int64
	receivedTxid       string
	senderAccepted     bool
	discoveredPeers    map[string]types.DiscoveredPeer
	selectedPeerID     string
}

// New returns a session at idle with empty collections.
func New() *Session {
	return &Session{
		state:           StateIdle,
		discoveredPeers: make(map[string]types.DiscoveredPeer),
	}
}

// StartSession begins a new exchange in the given role. It requires the
// session to be idle, wipes every per-session field so no residue from a
// previous attempt survives, and moves to initializing.
func (s *Session) StartSession(role types.Role) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return false
	}

	s.resetLocked()
	s.role = role
	s.state = StateInitializing
	return true
}

// Transition moves the session to the target state if the transition
// table allows it. An invalid target is a no-op returning false, not a
// fault: callback races between a slow wireless stack and a fast UI
// cancel are expected, and the losing event must simply bounce off.
func (s *Session) Transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transitionLocked(to)
}

func (s *Session) transitionLocked(to State) bool {
	allowed := false
	for _, target := range transitions[s.state] {
		if target == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}

	// Leaving error or timeout by any valid transition clears the
	// stored error record.
	if s.state == StateError || s.state == StateTimeout {
		s.err = nil
	}

	s.state = to
	return true
}

// Fail records the error and transitions to the error state.
func (s *Session) Fail(err *types.NearbyError) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.transitionLocked(StateError) {
		return false
	}

	s.err = err
	return true
}

// SetPayload stores the signed payload for this session.
func (s *Session) SetPayload(p *payload.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload = p
}

// Payload returns the stored payload, nil if none.
func (s *Session) Payload() *payload.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payload
}

// AddPeer records a discovered candidate counterparty.
func (s *Session) AddPeer(peer types.DiscoveredPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if peer.DiscoveredAt.IsZero() {
		peer.DiscoveredAt = time.Now()
	}
	s.discoveredPeers[peer.PeerID] = peer
}

// RemovePeer drops a peer that left the medium.
func (s *Session) RemovePeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.discoveredPeers, peerID)
}

// SelectPeer records the user's manual peer choice.
func (s *Session) SelectPeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectedPeerID = peerID
}

// SelectedPeer returns the manually chosen peer ID, empty if none.
func (s *Session) SelectedPeer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedPeerID
}

// SetPeerName records the counterpart's display name once known.
func (s *Session) SetPeerName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerName = name
}

// SetSenderAccepted flags that the sender accepted the request.
func (s *Session) SetSenderAccepted(accepted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.senderAccepted = accepted
}

// SetReceivedPayment records the on-chain payment detected by the
// confirmation poller.
func (s *Session) SetReceivedPayment(amountSats int64, txid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receivedAmountSats = amountSats
	s.receivedTxid = txid
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the stored error record, nil outside error states.
func (s *Session) Err() *types.NearbyError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Reset returns the session to idle defaults, destroying all
// per-session data. It is safe to call from any state.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Session) resetLocked() {
	s.state = StateIdle
	s.role = ""
	s.err = nil
	s.payload = nil
	s.peerName = ""
	s.receivedAmountSats = 0
	s.receivedTxid = ""
	s.senderAccepted = false
	s.discoveredPeers = make(map[string]types.DiscoveredPeer)
	s.selectedPeerID = ""
}

// Snapshot is a point-in-time copy of the session record handed to
// presentation layers.
type Snapshot struct {
	State              State
	Role               types.Role
	Err                *types.NearbyError
	Payload            *payload.Payload
	PeerName           string
	ReceivedAmountSats int64
	ReceivedTxid       string
	SenderAccepted     bool
	DiscoveredPeers    []types.DiscoveredPeer
	SelectedPeerID     string
}

// Snapshot copies the current record under the lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers := make([]types.DiscoveredPeer, 0, len(s.discoveredPeers))
	for _, peer := range s.discoveredPeers {
		peers = append(peers, peer)
	}

	return Snapshot{
		State:              s.state,
		Role:               s.role,
		Err:                s.err,
		Payload:            s.payload,
		PeerName:           s.peerName,
		ReceivedAmountSats: s.receivedAmountSats,
		ReceivedTxid:       s.receivedTxid,
		SenderAccepted:     s.senderAccepted,
		DiscoveredPeers:    peers,
		SelectedPeerID:     s.selectedPeerID,
	}
}
