package nearby

import (
	"github.com/tapcash/nearby/confirm"
	"github.com/tapcash/nearby/logger"
	"github.com/tapcash/nearby/metrics"
	"github.com/tapcash/nearby/transport"
)

type Option func(*Nearby)

func WithLogger(l logger.Logger) Option {
	return func(n *Nearby) {
		n.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(n *Nearby) {
		n.metrics = r
	}
}

// WithTransport installs the wireless carrier (the platform BLE or
// peer-discovery binding). Without one, receive sessions still work
// through the QR fallback.
func WithTransport(t transport.Transport) Option {
	return func(n *Nearby) {
		n.wireless = t
	}
}

// WithUTXOSource overrides the blockchain query service used by the
// confirmation poller. Defaults to an esplora client against the
// configured URL.
func WithUTXOSource(s confirm.UTXOSource) Option {
	return func(n *Nearby) {
		n.utxoSource = s
	}
}
