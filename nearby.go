// Package nearby implements the nearby payment exchange protocol: an
// ephemeral, authenticated, replay-resistant handshake between two
// physically proximate devices that negotiates a Bitcoin payment request
// over an unreliable short-range carrier, with no prior trust
// relationship and no server.
//
// The orchestrator here wires a carrier's events into session state
// transitions, drives payload creation and peer selection, and hands a
// completed handshake over to the confirmation poller. Payloads are
// signed, not encrypted, and the protocol never moves funds itself.
package nearby

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tapcash/nearby/chain"
	"github.com/tapcash/nearby/config"
	"github.com/tapcash/nearby/confirm"
	"github.com/tapcash/nearby/logger"
	"github.com/tapcash/nearby/metrics"
	"github.com/tapcash/nearby/payload"
	"github.com/tapcash/nearby/session"
	"github.com/tapcash/nearby/transport"
	"github.com/tapcash/nearby/types"
)

// Nearby owns one session at a time. The active transport belongs to it
// exclusively for the session's lifetime and is always fully stopped
// before another one starts.
type Nearby struct {
	cfg     config.Config
	log     logger.Logger
	metrics metrics.Recorder

	session    *session.Session
	poller     *confirm.Poller
	utxoSource confirm.UTXOSource
	wireless   transport.Transport

	mu          sync.Mutex
	qr          *transport.QRTransport
	keypair     *payload.EphemeralKeypair
	invited     map[string]bool
	scanTimer   *time.Timer
	eventCancel context.CancelFunc
	watch       *confirm.Watch
	confirmCh   chan confirm.Result
	closed      bool
}

// New builds an orchestrator from the given configuration.
func New(cfg config.Config, opts ...Option) *Nearby {
	n := &Nearby{
		cfg:     cfg,
		log:     logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		session: session.New(),
		qr:      transport.NewQRTransport(),
		invited: make(map[string]bool),
	}

	for _, opt := range opts {
		opt(n)
	}

	if _, noop := n.metrics.(metrics.NoopRecorder); noop && cfg.EnableMetrics {
		n.metrics = metrics.NewPrometheusRecorder()
	}

	if n.utxoSource == nil {
		n.utxoSource = chain.NewEsploraClient(cfg.EsploraURL, n.log)
	}

	n.poller = confirm.NewPoller(confirm.Config{
		Source:   n.utxoSource,
		Interval: cfg.PollInterval,
		Timeout:  cfg.PollTimeout,
		Logger:   n.log,
		Metrics:  n.metrics,
	})

	return n
}

// NewWithDefaults builds an orchestrator with the default configuration.
func NewWithDefaults(opts ...Option) *Nearby {
	return New(config.Default(), opts...)
}

// ReceiveParams are the caller-supplied fields of a receive session. The
// address comes from the wallet's unused-address source.
type ReceiveParams struct {
	Address    string
	AmountSats *int64
	Memo       string
	Display    *payload.Display
}

// StartReceive begins a receive session: it creates and signs a payment
// request, starts advertising it, and makes the QR fallback URI
// available. The wireless carrier is started asynchronously; if it is
// unavailable the session stays in advertising so the QR path remains
// usable — carrier trouble is not a hard failure here.
func (n *Nearby) StartReceive(ctx context.Context, params ReceiveParams) error {
	if !n.session.StartSession(types.RoleReceiver) {
		return fmt.Errorf("session already active (state %s)",
			n.session.State())
	}

	if !payload.ValidAddress(params.Address, n.cfg.Network) {
		verr := types.NewError(types.ErrAddressInvalid,
			fmt.Sprintf("address is not valid for %s", n.cfg.Network))
		n.session.Fail(verr)
		return verr
	}

	if params.AmountSats != nil &&
		(*params.AmountSats < payload.DustLimitSats ||
			*params.AmountSats > payload.MaxSupplySats) {

		verr := types.NewError(types.ErrAmountInvalid,
			fmt.Sprintf("amount %d sats outside valid range",
				*params.AmountSats))
		n.session.Fail(verr)
		return verr
	}

	p, keypair, err := payload.CreateSignedPayload(payload.Params{
		Network:    n.cfg.Network,
		Address:    params.Address,
		AmountSats: params.AmountSats,
		Memo:       params.Memo,
		Display:    params.Display,
	})
	if err != nil {
		verr := types.NewError(types.ErrUnknown, err.Error())
		n.session.Fail(verr)
		return verr
	}

	n.session.SetPayload(p)
	n.session.Transition(session.StateAdvertising)
	n.metrics.IncCounter("session_receive", n.labels())

	raw, err := payload.Serialize(p)
	if err != nil {
		keypair.Zero()
		verr := types.NewError(types.ErrUnknown, err.Error())
		n.session.Fail(verr)
		return verr
	}

	// The cancel handle is published before the carrier goroutine
	// exists, so a prompt Cancel or Retry interrupts a transport start
	// that has not happened yet.
	ctx, cancel := context.WithCancel(ctx)

	n.mu.Lock()
	n.keypair = keypair
	n.invited = make(map[string]bool)
	n.eventCancel = cancel
	n.mu.Unlock()

	if _, qrErr := n.qr.StartReceiver(ctx, raw); qrErr != nil {
		n.log.Warn("QR fallback unavailable", map[string]any{
			"error": qrErr.Error(),
		})
	}

	n.startScanTimer()
	go n.startWireless(ctx, raw)

	return nil
}

// startWireless brings up the carrier in receiver mode off the caller's
// goroutine and hands its event channel to the loop. The context is the
// session's own; once it is cancelled the carrier must not be started,
// and a carrier that raced past the check shuts itself down on the dead
// context per the transport contract.
func (n *Nearby) startWireless(ctx context.Context, raw []byte) {
	if n.wireless == nil {
		n.log.Info("no wireless transport configured, QR only", nil)
		return
	}

	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed || ctx.Err() != nil {
		return
	}

	events, err := n.wireless.StartReceiver(ctx, raw)
	if err != nil {
		// Advertising survives: the QR fallback still works, and
		// the UI can point the user at the relevant setting.
		n.log.Warn("wireless transport unavailable", map[string]any{
			"error": err.Error(),
		})
		n.metrics.IncCounter("transport_unavailable", n.labels())
		return
	}

	go n.receiverLoop(ctx, events)
}

// receiverLoop drains carrier events for a receive session. Everything
// funnels through the session's own locking, so carrier callbacks and
// user actions serialize no matter which goroutine they arrive on.
func (n *Nearby) receiverLoop(ctx context.Context, events <-chan transport.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.handleReceiverEvent(ctx, ev)
		}
	}
}

func (n *Nearby) handleReceiverEvent(ctx context.Context, ev transport.Event) {
	switch ev.Type {
	case transport.EventPeerDiscovered:
		n.session.AddPeer(types.DiscoveredPeer{
			PeerID:      ev.PeerID,
			DisplayName: ev.DisplayName,
		})

	case transport.EventPeerLost:
		n.session.RemovePeer(ev.PeerID)

	case transport.EventPeerConnected:
		// Only a peer we explicitly invited may proceed. Native
		// peer-discovery layers are known to surface spurious
		// same-process connection events; this guard must hold
		// regardless of callback arrival order.
		n.mu.Lock()
		invited := n.invited[ev.PeerID]
		n.mu.Unlock()
		if !invited {
			n.log.Warn("ignoring uninvited peer connection",
				map[string]any{"peer": ev.PeerID})
			return
		}

		if !n.session.Transition(session.StateExchanging) {
			n.log.Debug("connect event ignored", map[string]any{
				"state": string(n.session.State()),
			})
			return
		}
		n.stopScanTimer()

		n.deliverPayload(ctx, ev.PeerID)

	case transport.EventTextReceived:
		n.handleSenderResponse(ev)

	case transport.EventPeerDisconnected:
		state := n.session.State()
		if state == session.StateExchanging ||
			state == session.StatePendingAcceptance {

			n.session.Fail(types.NewError(types.ErrConnectionFailed,
				"peer disconnected during exchange"))
		}

	case transport.EventError:
		n.handleTransportError(ev.Err)

	case transport.EventTimeout:
		n.stopScanTimer()
		n.session.Transition(session.StateTimeout)
	}
}

// deliverPayload pushes the signed payload to the connected peer and
// advances to pending_acceptance on success.
func (n *Nearby) deliverPayload(ctx context.Context, peerID string) {
	p := n.session.Payload()
	if p == nil {
		return
	}

	raw, err := payload.Serialize(p)
	if err != nil {
		n.session.Fail(types.NewError(types.ErrUnknown, err.Error()))
		return
	}

	start := time.Now()
	if err := n.wireless.SendPayload(ctx, peerID, raw); err != nil {
		n.session.Fail(types.NewError(types.ErrExchangeFailed,
			fmt.Sprintf("payload delivery failed: %v", err)))
		return
	}
	n.metrics.ObserveLatency("payload_delivery", time.Since(start),
		n.labels())

	n.session.Transition(session.StatePendingAcceptance)
}

// handleSenderResponse processes the accept/decline text from the
// sender.
func (n *Nearby) handleSenderResponse(ev transport.Event) {
	state := n.session.State()
	if state != session.StateExchanging &&
		state != session.StatePendingAcceptance {

		return
	}

	msg, err := payload.ParseAcceptMessage(ev.Text)
	if err != nil {
		n.session.Fail(types.NewError(types.ErrExchangeFailed,
			err.Error()))
		return
	}

	if msg.MsgType == payload.MsgTypeDecline {
		n.session.Fail(types.NewError(types.ErrExchangeFailed,
			"sender declined the payment request"))
		return
	}

	p := n.session.Payload()
	if p == nil {
		return
	}

	// The acceptance must echo the confirmation code derived from the
	// shared requestId. A mismatch means a man in the middle or a
	// corrupted relay substituted terms after the initial send.
	want := payload.DeriveConfirmationCode(p.RequestID)
	if msg.ConfirmationCode != want {
		n.session.Fail(types.NewError(types.ErrExchangeFailed,
			"confirmation code mismatch"))
		return
	}

	n.session.SetSenderAccepted(true)
	if msg.DisplayName != "" {
		n.session.SetPeerName(msg.DisplayName)
	}
	n.session.Transition(session.StateCompleted)
	n.stopScanTimer()
	n.metrics.IncCounter("handshake_completed", n.labels())

	if p.AmountSats != nil {
		n.startConfirmation(p.Address, *p.AmountSats)
	}
}

// startConfirmation hands the completed handshake to the payment poller.
func (n *Nearby) startConfirmation(address string, amountSats int64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed || n.watch != nil {
		return
	}

	watch := n.poller.Watch(context.Background(), address, amountSats)
	n.watch = watch
	n.confirmCh = make(chan confirm.Result, 4)

	go func(ch chan confirm.Result) {
		defer close(ch)
		for result := range watch.Results() {
			if result.Status != confirm.StatusTimeout {
				n.session.SetReceivedPayment(result.ReceivedSats,
					result.TxID)
			}
			select {
			case ch <- result:
			default:
			}
		}
	}(n.confirmCh)
}

// ConfirmResults exposes the confirmation poller's classifications for
// the current session, nil when no poll is active.
func (n *Nearby) ConfirmResults() <-chan confirm.Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.confirmCh
}

// RequestRemainder loops an underpaid confirmation back to waiting. The
// missing amount is requested out of band; no new payload is issued.
func (n *Nearby) RequestRemainder() {
	n.mu.Lock()
	watch := n.watch
	n.mu.Unlock()

	if watch != nil {
		watch.RequestRemainder()
	}
}

// SelectAndAccept records the user's manual peer choice on the receiver
// side and invites that specific peer on the carrier.
func (n *Nearby) SelectAndAccept(peerID string) error {
	if n.wireless == nil {
		return types.NewError(types.ErrTransportUnavailable,
			"no wireless transport configured")
	}

	n.session.SelectPeer(peerID)

	n.mu.Lock()
	n.invited[peerID] = true
	n.mu.Unlock()

	if err := n.wireless.Accept(peerID); err != nil {
		return types.NewError(types.ErrConnectionFailed,
			fmt.Sprintf("accepting peer %s: %v", peerID, err))
	}
	return nil
}

// StartSend begins a send session: discover advertising receivers and
// wait for the user to pick one.
func (n *Nearby) StartSend(ctx context.Context) error {
	if !n.session.StartSession(types.RoleSender) {
		return fmt.Errorf("session already active (state %s)",
			n.session.State())
	}

	if n.wireless == nil {
		verr := types.NewError(types.ErrTransportUnavailable,
			"no wireless transport configured")
		n.session.Fail(verr)
		return verr
	}

	n.session.Transition(session.StateScanning)
	n.metrics.IncCounter("session_send", n.labels())

	ctx, cancel := context.WithCancel(ctx)

	n.mu.Lock()
	n.eventCancel = cancel
	n.mu.Unlock()

	events, err := n.wireless.StartSender(ctx)
	if err != nil {
		cancel()
		verr := types.NewError(types.ErrTransportUnavailable,
			err.Error())
		n.session.Fail(verr)
		return verr
	}

	n.startScanTimer()
	go n.senderLoop(ctx, events)
	return nil
}

// senderLoop drains carrier events for a send session.
func (n *Nearby) senderLoop(ctx context.Context, events <-chan transport.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.handleSenderEvent(ev)
		}
	}
}

func (n *Nearby) handleSenderEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventPeerDiscovered:
		n.session.AddPeer(types.DiscoveredPeer{
			PeerID:      ev.PeerID,
			DisplayName: ev.DisplayName,
		})

	case transport.EventPeerLost:
		n.session.RemovePeer(ev.PeerID)

	case transport.EventPeerConnected:
		if ev.PeerID != n.session.SelectedPeer() {
			n.log.Warn("ignoring connection to unselected peer",
				map[string]any{"peer": ev.PeerID})
			return
		}
		n.stopScanTimer()
		if ev.DisplayName != "" {
			n.session.SetPeerName(ev.DisplayName)
		}
		n.session.Transition(session.StateExchanging)

	case transport.EventPayloadReceived:
		if !n.session.Transition(session.StateValidating) {
			return
		}

		p, verr := payload.Validate(ev.Data, n.cfg.Network)
		if verr != nil {
			n.metrics.IncCounter("payload_rejected", n.labels())
			n.session.Fail(verr)
			return
		}

		n.session.SetPayload(p)
		n.session.Transition(session.StatePendingAcceptance)

	case transport.EventPeerDisconnected:
		state := n.session.State()
		if state == session.StateExchanging ||
			state == session.StateValidating ||
			state == session.StatePendingAcceptance {

			n.session.Fail(types.NewError(types.ErrConnectionFailed,
				"peer disconnected during exchange"))
		}

	case transport.EventError:
		n.handleTransportError(ev.Err)

	case transport.EventTimeout:
		n.stopScanTimer()
		n.session.Transition(session.StateTimeout)
	}
}

// SelectAndConnect records the user's manual receiver choice on the
// sender side and dials it.
func (n *Nearby) SelectAndConnect(peerID string) error {
	if n.wireless == nil {
		return types.NewError(types.ErrTransportUnavailable,
			"no wireless transport configured")
	}

	n.session.SelectPeer(peerID)
	n.session.Transition(session.StateConnecting)

	if err := n.wireless.Connect(peerID); err != nil {
		verr := types.NewError(types.ErrConnectionFailed,
			fmt.Sprintf("connecting to %s: %v", peerID, err))
		n.session.Fail(verr)
		return verr
	}
	return nil
}

// Respond accepts or declines the validated payment request (sender
// side). An acceptance carries the confirmation code derived from the
// shared requestId so the receiver can verify no relay substituted the
// terms.
func (n *Nearby) Respond(ctx context.Context, accept bool) error {
	if n.session.State() != session.StatePendingAcceptance {
		return fmt.Errorf("no payment request awaiting a response")
	}

	p := n.session.Payload()
	if p == nil {
		return fmt.Errorf("no payment request awaiting a response")
	}

	var msg payload.AcceptMessage
	if accept {
		msg = payload.NewAcceptMessage(p.RequestID, n.cfg.DisplayName)
	} else {
		msg = payload.NewDeclineMessage(p.RequestID)
	}

	text, err := msg.Encode()
	if err != nil {
		return err
	}

	peerID := n.session.SelectedPeer()
	if err := n.wireless.SendText(ctx, peerID, text); err != nil {
		verr := types.NewError(types.ErrExchangeFailed,
			fmt.Sprintf("sending response: %v", err))
		n.session.Fail(verr)
		return verr
	}

	if accept {
		n.session.SetSenderAccepted(true)
		n.session.Transition(session.StateCompleted)
	} else {
		n.session.Transition(session.StateCancelled)
	}
	return nil
}

// ReceiveURI returns the QR fallback URI for the active receive session,
// empty when none is advertising.
func (n *Nearby) ReceiveURI() string {
	return n.qr.URI()
}

// Session returns a point-in-time copy of the session record.
func (n *Nearby) Session() session.Snapshot {
	return n.session.Snapshot()
}

// Cancel aborts the active session: the carrier stops, the session
// passes through cancelled if it is not already terminal, and the record
// resets to idle.
func (n *Nearby) Cancel() {
	n.stopActivity()

	if !n.session.State().Terminal() {
		n.session.Transition(session.StateCancelled)
	}
	n.session.Reset()
}

// Retry stops the carrier and resets to idle without forcing a terminal
// transition. Used from error and timeout states, which already have
// valid paths back to idle.
func (n *Nearby) Retry() {
	n.stopActivity()
	n.session.Reset()
}

// Close tears the orchestrator down. It is the path that frees the
// ephemeral keypair and clears discovered-peer state, and it is
// idempotent.
func (n *Nearby) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	n.stopActivity()
	n.session.Reset()
}

// handleTransportError maps a carrier failure into the session. Nil
// errors arrive from sloppy carriers and count as unknown.
func (n *Nearby) handleTransportError(err *types.NearbyError) {
	if err == nil {
		err = types.NewError(types.ErrUnknown, "transport error")
	}

	n.log.Warn("transport error", map[string]any{
		"code":  string(err.Code),
		"error": err.Message,
	})

	// Recoverable carrier trouble on the receiver path is deliberately
	// not a session failure while advertising: the QR fallback stays
	// usable.
	if err.Recoverable() &&
		n.session.State() == session.StateAdvertising {

		return
	}

	n.session.Fail(err)
}

// stopActivity halts the carrier, timers, poller and keypair. All of it
// must be interruptible mid-flight: a transport still starting, a send
// in progress or an active poll all get cut off here.
func (n *Nearby) stopActivity() {
	n.stopScanTimer()

	n.mu.Lock()
	cancel := n.eventCancel
	n.eventCancel = nil
	watch := n.watch
	n.watch = nil
	n.confirmCh = nil
	keypair := n.keypair
	n.keypair = nil
	n.invited = make(map[string]bool)
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if watch != nil {
		watch.Stop()
	}

	if n.wireless != nil {
		if err := n.wireless.Stop(); err != nil {
			n.log.Warn("stopping transport", map[string]any{
				"error": err.Error(),
			})
		}
	}
	_ = n.qr.Stop()

	if keypair != nil {
		keypair.Zero()
	}
}

func (n *Nearby) startScanTimer() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.scanTimer != nil {
		n.scanTimer.Stop()
	}
	n.scanTimer = time.AfterFunc(n.cfg.ScanTimeout, n.scanTimedOut)
}

func (n *Nearby) scanTimedOut() {
	state := n.session.State()
	if state != session.StateAdvertising && state != session.StateScanning {
		return
	}

	n.log.Info("scan window elapsed", map[string]any{
		"state": string(state),
	})
	n.session.Transition(session.StateTimeout)

	// The timed-out session leaves nothing behind: the event loop ends,
	// the carrier stops advertising and the QR URI disappears.
	n.mu.Lock()
	cancel := n.eventCancel
	n.eventCancel = nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if n.wireless != nil {
		_ = n.wireless.Stop()
	}
	_ = n.qr.Stop()
}

func (n *Nearby) stopScanTimer() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.scanTimer != nil {
		n.scanTimer.Stop()
		n.scanTimer = nil
	}
}

func (n *Nearby) labels() map[string]string {
	return map[string]string{"network": n.cfg.Network.String()}
}
