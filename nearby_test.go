package nearby_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tapcash/nearby"
	"github.com/tapcash/nearby/config"
	"github.com/tapcash/nearby/confirm"
	"github.com/tapcash/nearby/payload"
	"github.com/tapcash/nearby/session"
	"github.com/tapcash/nearby/transport"
	"github.com/tapcash/nearby/types"
)

const (
	mainnetAddr = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
	testnetAddr = "mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn"
)

func testConfig(name string) config.Config {
	cfg := config.Default()
	cfg.DisplayName = name
	cfg.ScanTimeout = 5 * time.Second
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PollTimeout = 2 * time.Second
	return cfg
}

// fakeUTXOSource serves a settable UTXO set to the confirmation poller.
type fakeUTXOSource struct {
	mu    sync.Mutex
	utxos []types.UTXO
}

func (f *fakeUTXOSource) set(utxos ...types.UTXO) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.utxos = utxos
}

func (f *fakeUTXOSource) GetUnspentOutputs(ctx context.Context,
	address string) ([]types.UTXO, error) {

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.UTXO, len(f.utxos))
	copy(out, f.utxos)
	return out, nil
}

func (f *fakeUTXOSource) InvalidateCache(address string) {}

// scriptedTransport lets a test inject arbitrary carrier events into the
// orchestrator and records outgoing calls.
type scriptedTransport struct {
	mu       sync.Mutex
	events   chan transport.Event
	started  chan struct{}
	stopOnce sync.Once

	receiverCtx context.Context
	accepted    []string
	texts       []string
	payloads    [][]byte
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		events:  make(chan transport.Event, 16),
		started: make(chan struct{}),
	}
}

func (s *scriptedTransport) StartReceiver(ctx context.Context,
	raw []byte) (<-chan transport.Event, error) {

	s.mu.Lock()
	s.receiverCtx = ctx
	s.mu.Unlock()

	close(s.started)
	return s.events, nil
}

func (s *scriptedTransport) startedCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiverCtx
}

func (s *scriptedTransport) StartSender(ctx context.Context) (<-chan transport.Event, error) {
	close(s.started)
	return s.events, nil
}

func (s *scriptedTransport) Accept(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted = append(s.accepted, peerID)
	return nil
}

func (s *scriptedTransport) Connect(peerID string) error { return nil }

func (s *scriptedTransport) SendText(ctx context.Context, peerID,
	text string) error {

	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *scriptedTransport) SendPayload(ctx context.Context, peerID string,
	data []byte) error {

	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, data)
	return nil
}

func (s *scriptedTransport) Stop() error {
	s.stopOnce.Do(func() { close(s.events) })
	return nil
}

func (s *scriptedTransport) emit(ev transport.Event) {
	s.events <- ev
}

func (s *scriptedTransport) waitStarted(t *testing.T) {
	t.Helper()

	select {
	case <-s.started:
	case <-time.After(2 * time.Second):
		t.Fatal("transport never started")
	}
}

func waitState(t *testing.T, n *nearby.Nearby, want session.State) {
	t.Helper()

	require.Eventually(t, func() bool {
		return n.Session().State == want
	}, 2*time.Second, 5*time.Millisecond,
		"state is %s, want %s", n.Session().State, want)
}

func amount(v int64) *int64 { return &v }

// TestEndToEndExchange walks a full receive/send handshake over an
// in-process carrier, through payment confirmation.
func TestEndToEndExchange(t *testing.T) {
	pair := transport.NewMemoryPair("recv-1", "Riley", "send-1", "Sam")
	source := &fakeUTXOSource{}
	source.set(types.UTXO{TxID: "tx1", Value: 50_000})

	receiver := nearby.New(testConfig("Riley"),
		nearby.WithTransport(pair.Receiver),
		nearby.WithUTXOSource(source))
	defer receiver.Close()

	sender := nearby.New(testConfig("Sam"),
		nearby.WithTransport(pair.Sender))
	defer sender.Close()

	require.NoError(t, receiver.StartReceive(context.Background(),
		nearby.ReceiveParams{
			Address:    mainnetAddr,
			AmountSats: amount(50_000),
			Memo:       "coffee",
		}))
	require.NotEmpty(t, receiver.ReceiveURI())

	require.NoError(t, sender.StartSend(context.Background()))

	// Discovery: the sender sees the advertising receiver.
	require.Eventually(t, func() bool {
		return len(sender.Session().DiscoveredPeers) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "recv-1", sender.Session().DiscoveredPeers[0].PeerID)

	// The sender picks the receiver; the receiver then sees the sender
	// as a pending peer and invites it.
	require.NoError(t, sender.SelectAndConnect("recv-1"))
	require.Eventually(t, func() bool {
		return len(receiver.Session().DiscoveredPeers) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, receiver.SelectAndAccept("send-1"))

	// Payload flows to the sender and validates.
	waitState(t, sender, session.StatePendingAcceptance)
	senderSnap := sender.Session()
	require.NotNil(t, senderSnap.Payload)
	require.Equal(t, mainnetAddr, senderSnap.Payload.Address)
	require.Equal(t, int64(50_000), *senderSnap.Payload.AmountSats)
	require.Equal(t, "coffee", senderSnap.Payload.Memo)
	require.Equal(t, "Riley", senderSnap.PeerName)

	waitState(t, receiver, session.StatePendingAcceptance)

	// Acceptance completes both sides and starts the payment watch.
	require.NoError(t, sender.Respond(context.Background(), true))
	waitState(t, sender, session.StateCompleted)
	waitState(t, receiver, session.StateCompleted)

	recvSnap := receiver.Session()
	require.True(t, recvSnap.SenderAccepted)
	require.Equal(t, "Sam", recvSnap.PeerName)

	var results <-chan confirm.Result
	require.Eventually(t, func() bool {
		results = receiver.ConfirmResults()
		return results != nil
	}, 2*time.Second, 5*time.Millisecond)
	select {
	case r := <-results:
		require.Equal(t, confirm.StatusSuccess, r.Status)
		require.Equal(t, int64(50_000), r.ReceivedSats)
	case <-time.After(2 * time.Second):
		t.Fatal("no confirmation result")
	}

	require.Eventually(t, func() bool {
		return receiver.Session().ReceivedAmountSats == 50_000
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "tx1", receiver.Session().ReceivedTxid)
}

func TestDeclineFailsReceiverSession(t *testing.T) {
	pair := transport.NewMemoryPair("recv-1", "Riley", "send-1", "Sam")

	receiver := nearby.New(testConfig("Riley"),
		nearby.WithTransport(pair.Receiver),
		nearby.WithUTXOSource(&fakeUTXOSource{}))
	defer receiver.Close()

	sender := nearby.New(testConfig("Sam"),
		nearby.WithTransport(pair.Sender))
	defer sender.Close()

	require.NoError(t, receiver.StartReceive(context.Background(),
		nearby.ReceiveParams{Address: mainnetAddr, AmountSats: amount(50_000)}))
	require.NoError(t, sender.StartSend(context.Background()))

	require.Eventually(t, func() bool {
		return len(sender.Session().DiscoveredPeers) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, sender.SelectAndConnect("recv-1"))
	require.Eventually(t, func() bool {
		return len(receiver.Session().DiscoveredPeers) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, receiver.SelectAndAccept("send-1"))

	waitState(t, sender, session.StatePendingAcceptance)
	require.NoError(t, sender.Respond(context.Background(), false))

	waitState(t, sender, session.StateCancelled)
	waitState(t, receiver, session.StateError)
	require.Equal(t, types.ErrExchangeFailed, receiver.Session().Err.Code)
}

func TestUninvitedConnectionIsIgnored(t *testing.T) {
	carrier := newScriptedTransport()
	receiver := nearby.New(testConfig("Riley"),
		nearby.WithTransport(carrier),
		nearby.WithUTXOSource(&fakeUTXOSource{}))
	defer receiver.Close()

	require.NoError(t, receiver.StartReceive(context.Background(),
		nearby.ReceiveParams{Address: mainnetAddr, AmountSats: amount(50_000)}))
	carrier.waitStarted(t)

	// A connection event for a peer that was never invited must not
	// move the session off advertising, whatever the carrier claims.
	carrier.emit(transport.Event{
		Type:        transport.EventPeerConnected,
		PeerID:      "intruder",
		DisplayName: "Eve",
	})

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, session.StateAdvertising, receiver.Session().State)

	carrier.mu.Lock()
	require.Empty(t, carrier.payloads)
	carrier.mu.Unlock()
}

func TestConfirmationCodeMismatchFailsExchange(t *testing.T) {
	carrier := newScriptedTransport()
	receiver := nearby.New(testConfig("Riley"),
		nearby.WithTransport(carrier),
		nearby.WithUTXOSource(&fakeUTXOSource{}))
	defer receiver.Close()

	require.NoError(t, receiver.StartReceive(context.Background(),
		nearby.ReceiveParams{Address: mainnetAddr, AmountSats: amount(50_000)}))
	carrier.waitStarted(t)

	require.NoError(t, receiver.SelectAndAccept("send-1"))
	carrier.emit(transport.Event{
		Type:   transport.EventPeerConnected,
		PeerID: "send-1",
	})
	waitState(t, receiver, session.StatePendingAcceptance)

	requestID := receiver.Session().Payload.RequestID
	wrong := "000000"
	if payload.DeriveConfirmationCode(requestID) == wrong {
		wrong = "000001"
	}

	text, err := payload.AcceptMessage{
		MsgType:          payload.MsgTypeAccept,
		RequestID:        requestID,
		ConfirmationCode: wrong,
		DisplayName:      "Mallory",
	}.Encode()
	require.NoError(t, err)

	carrier.emit(transport.Event{
		Type:   transport.EventTextReceived,
		PeerID: "send-1",
		Text:   text,
	})

	waitState(t, receiver, session.StateError)
	require.Equal(t, types.ErrExchangeFailed, receiver.Session().Err.Code)
	require.False(t, receiver.Session().SenderAccepted)
}

func TestReceiveWorksWithoutWirelessTransport(t *testing.T) {
	n := nearby.New(testConfig("Riley"),
		nearby.WithUTXOSource(&fakeUTXOSource{}))
	defer n.Close()

	require.NoError(t, n.StartReceive(context.Background(),
		nearby.ReceiveParams{Address: mainnetAddr, AmountSats: amount(50_000)}))

	require.Equal(t, session.StateAdvertising, n.Session().State)

	uri := n.ReceiveURI()
	require.NotEmpty(t, uri)

	raw, err := payload.DecodeURI(uri)
	require.NoError(t, err)
	p, verr := payload.Validate(raw, types.NetworkMainnet)
	require.Nil(t, verr)
	require.Equal(t, mainnetAddr, p.Address)
}

func TestSendRequiresWirelessTransport(t *testing.T) {
	n := nearby.New(testConfig("Sam"),
		nearby.WithUTXOSource(&fakeUTXOSource{}))
	defer n.Close()

	err := n.StartSend(context.Background())
	var nerr *types.NearbyError
	require.ErrorAs(t, err, &nerr)
	require.Equal(t, types.ErrTransportUnavailable, nerr.Code)
	require.Equal(t, session.StateError, n.Session().State)
}

func TestStartReceiveRejectsBadInput(t *testing.T) {
	t.Run("wrong network address", func(t *testing.T) {
		n := nearby.New(testConfig("Riley"),
			nearby.WithUTXOSource(&fakeUTXOSource{}))
		defer n.Close()

		err := n.StartReceive(context.Background(),
			nearby.ReceiveParams{Address: testnetAddr})
		var nerr *types.NearbyError
		require.ErrorAs(t, err, &nerr)
		require.Equal(t, types.ErrAddressInvalid, nerr.Code)
	})

	t.Run("dust amount", func(t *testing.T) {
		n := nearby.New(testConfig("Riley"),
			nearby.WithUTXOSource(&fakeUTXOSource{}))
		defer n.Close()

		err := n.StartReceive(context.Background(),
			nearby.ReceiveParams{Address: mainnetAddr, AmountSats: amount(100)})
		var nerr *types.NearbyError
		require.ErrorAs(t, err, &nerr)
		require.Equal(t, types.ErrAmountInvalid, nerr.Code)
	})
}

func TestSecondSessionRefusedUntilReset(t *testing.T) {
	n := nearby.New(testConfig("Riley"),
		nearby.WithUTXOSource(&fakeUTXOSource{}))
	defer n.Close()

	require.NoError(t, n.StartReceive(context.Background(),
		nearby.ReceiveParams{Address: mainnetAddr}))
	require.Error(t, n.StartReceive(context.Background(),
		nearby.ReceiveParams{Address: mainnetAddr}))

	n.Cancel()
	require.Equal(t, session.StateIdle, n.Session().State)
	require.NoError(t, n.StartReceive(context.Background(),
		nearby.ReceiveParams{Address: mainnetAddr}))
}

func TestCancelClearsReceiveSession(t *testing.T) {
	n := nearby.New(testConfig("Riley"),
		nearby.WithUTXOSource(&fakeUTXOSource{}))
	defer n.Close()

	require.NoError(t, n.StartReceive(context.Background(),
		nearby.ReceiveParams{Address: mainnetAddr, AmountSats: amount(50_000)}))
	require.NotEmpty(t, n.ReceiveURI())

	n.Cancel()

	require.Equal(t, session.StateIdle, n.Session().State)
	require.Empty(t, n.ReceiveURI())
	require.Nil(t, n.Session().Payload)
}

func TestRetryAfterFailure(t *testing.T) {
	carrier := newScriptedTransport()
	n := nearby.New(testConfig("Riley"),
		nearby.WithTransport(carrier),
		nearby.WithUTXOSource(&fakeUTXOSource{}))
	defer n.Close()

	require.NoError(t, n.StartReceive(context.Background(),
		nearby.ReceiveParams{Address: mainnetAddr, AmountSats: amount(50_000)}))
	carrier.waitStarted(t)

	carrier.emit(transport.Event{
		Type: transport.EventError,
		Err: types.NewError(types.ErrExchangeFailed,
			"carrier gave up"),
	})
	waitState(t, n, session.StateError)

	n.Retry()
	require.Equal(t, session.StateIdle, n.Session().State)
}

// TestCancelInterruptsTransportStart races Cancel against the carrier
// start that StartReceive runs off the caller's goroutine. Whatever the
// interleaving, a carrier invoked for the cancelled session must receive
// an already-dead context, so it shuts down instead of advertising the
// abandoned payload.
func TestCancelInterruptsTransportStart(t *testing.T) {
	for i := 0; i < 100; i++ {
		carrier := newScriptedTransport()
		n := nearby.New(testConfig("Riley"),
			nearby.WithTransport(carrier),
			nearby.WithUTXOSource(&fakeUTXOSource{}))

		require.NoError(t, n.StartReceive(context.Background(),
			nearby.ReceiveParams{Address: mainnetAddr}))
		n.Cancel()

		// Cancel has returned, so the session context is cancelled;
		// any start observed from here on must carry it.
		time.Sleep(5 * time.Millisecond)
		if ctx := carrier.startedCtx(); ctx != nil {
			require.Error(t, ctx.Err(),
				"carrier started with a live context after Cancel")
		}

		require.Equal(t, session.StateIdle, n.Session().State)
		n.Close()
	}
}

func TestScanTimeoutClearsSessionActivity(t *testing.T) {
	carrier := newScriptedTransport()
	cfg := testConfig("Riley")
	cfg.ScanTimeout = 50 * time.Millisecond

	n := nearby.New(cfg,
		nearby.WithTransport(carrier),
		nearby.WithUTXOSource(&fakeUTXOSource{}))
	defer n.Close()

	require.NoError(t, n.StartReceive(context.Background(),
		nearby.ReceiveParams{Address: mainnetAddr, AmountSats: amount(50_000)}))
	carrier.waitStarted(t)
	require.NotEmpty(t, n.ReceiveURI())

	waitState(t, n, session.StateTimeout)

	// The timed-out session leaves nothing running: the QR URI is gone
	// and the carrier's context is dead.
	require.Eventually(t, func() bool {
		return n.ReceiveURI() == ""
	}, 2*time.Second, 5*time.Millisecond)
	require.Error(t, carrier.startedCtx().Err())
}

func TestCloseIsIdempotent(t *testing.T) {
	n := nearby.New(testConfig("Riley"),
		nearby.WithUTXOSource(&fakeUTXOSource{}))

	require.NoError(t, n.StartReceive(context.Background(),
		nearby.ReceiveParams{Address: mainnetAddr}))

	n.Close()
	n.Close()
	require.Equal(t, session.StateIdle, n.Session().State)
}

// TestUnderpaidThenRemainder drives the poller through an underpayment,
// a remainder request and the final settling payment.
func TestUnderpaidThenRemainder(t *testing.T) {
	carrier := newScriptedTransport()
	source := &fakeUTXOSource{}
	source.set(types.UTXO{TxID: "tx1", Value: 30_000})

	n := nearby.New(testConfig("Riley"),
		nearby.WithTransport(carrier),
		nearby.WithUTXOSource(source))
	defer n.Close()

	require.NoError(t, n.StartReceive(context.Background(),
		nearby.ReceiveParams{Address: mainnetAddr, AmountSats: amount(50_000)}))
	carrier.waitStarted(t)

	require.NoError(t, n.SelectAndAccept("send-1"))
	carrier.emit(transport.Event{
		Type:   transport.EventPeerConnected,
		PeerID: "send-1",
	})
	waitState(t, n, session.StatePendingAcceptance)

	requestID := n.Session().Payload.RequestID
	text, err := payload.NewAcceptMessage(requestID, "Sam").Encode()
	require.NoError(t, err)
	carrier.emit(transport.Event{
		Type:   transport.EventTextReceived,
		PeerID: "send-1",
		Text:   text,
	})
	waitState(t, n, session.StateCompleted)

	var results <-chan confirm.Result
	require.Eventually(t, func() bool {
		results = n.ConfirmResults()
		return results != nil
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case r := <-results:
		require.Equal(t, confirm.StatusUnderpaid, r.Status)
		require.Equal(t, int64(20_000), r.RemainingSats)
	case <-time.After(2 * time.Second):
		t.Fatal("no underpaid result")
	}

	n.RequestRemainder()
	source.set(
		types.UTXO{TxID: "tx1", Value: 30_000},
		types.UTXO{TxID: "tx2", Value: 20_000},
	)

	select {
	case r := <-results:
		require.Equal(t, confirm.StatusSuccess, r.Status)
		require.Equal(t, int64(50_000), r.ReceivedSats)
	case <-time.After(2 * time.Second):
		t.Fatal("no settling result")
	}
}
