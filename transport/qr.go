package transport

import (
	"context"
	"sync"

	"github.com/tapcash/nearby/payload"
	"github.com/tapcash/nearby/types"
)

// QRTransport is the offline fallback carrier. It cannot discover or
// connect to anything; advertising a payload just makes the nearby URI
// available for the UI to render as a QR code. The scanning side feeds
// the decoded URI straight into the normal validation pipeline, so the
// QR path shares every check with the wireless path.
type QRTransport struct {
	mu      sync.Mutex
	events  chan Event
	uri     string
	started bool
}

// NewQRTransport returns an idle QR carrier.
func NewQRTransport() *QRTransport {
	return &QRTransport{}
}

// StartReceiver encodes the payload as a nearby URI and holds it for
// display. No peer events ever arrive; the channel stays open until
// Stop so the orchestrator's event loop shuts down uniformly.
func (t *QRTransport) StartReceiver(ctx context.Context,
	raw []byte) (<-chan Event, error) {

	t.mu.Lock()
	defer t.mu.Unlock()

	p := payload.Deserialize(raw)
	if p == nil {
		return nil, types.NewError(types.ErrPayloadInvalid,
			"cannot encode malformed payload as QR")
	}

	uri, err := payload.EncodeURI(p)
	if err != nil {
		return nil, err
	}

	t.uri = uri
	t.events = make(chan Event, 1)
	t.started = true

	return t.events, nil
}

// StartSender is unavailable: scanning a QR code happens in the camera
// layer, outside this transport.
func (t *QRTransport) StartSender(ctx context.Context) (<-chan Event, error) {
	return nil, types.NewError(types.ErrTransportUnavailable,
		"QR transport has no sender role")
}

// URI returns the encoded payment URI, empty before StartReceiver.
func (t *QRTransport) URI() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uri
}

// Accept is unavailable; there are no peers on the QR path.
func (t *QRTransport) Accept(string) error {
	return types.NewError(types.ErrTransportUnavailable,
		"QR transport has no peers")
}

// Connect is unavailable; there are no peers on the QR path.
func (t *QRTransport) Connect(string) error {
	return types.NewError(types.ErrTransportUnavailable,
		"QR transport has no peers")
}

// SendText is unavailable; acceptance on the QR path is confirmed out of
// band via the confirmation code.
func (t *QRTransport) SendText(context.Context, string, string) error {
	return types.NewError(types.ErrTransportUnavailable,
		"QR transport cannot carry messages")
}

// SendPayload is unavailable; the payload travels inside the QR image.
func (t *QRTransport) SendPayload(context.Context, string, []byte) error {
	return types.NewError(types.ErrTransportUnavailable,
		"QR transport cannot carry messages")
}

// Stop clears the held URI. Idempotent.
func (t *QRTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		return nil
	}

	close(t.events)
	t.events = nil
	t.uri = ""
	t.started = false
	return nil
}
