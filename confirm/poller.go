// Package confirm watches the receiving address after a completed
// handshake and classifies the on-chain outcome: the handshake only
// authenticated a request to pay, the funds themselves still arrive over
// the normal broadcast path and are detected here.
package confirm

import (
	"context"
	"sync"
	"time"

	"github.com/tapcash/nearby/logger"
	"github.com/tapcash/nearby/metrics"
	"github.com/tapcash/nearby/types"
)

const (
	// DefaultInterval is the spacing between UTXO queries.
	DefaultInterval = 5 * time.Second

	// DefaultTimeout bounds how long an address is watched before the
	// poller gives up.
	DefaultTimeout = 5 * time.Minute
)

// UTXOSource is the blockchain query collaborator. Implementations must
// support explicit cache invalidation: the poller clears the address
// cache before every query so a retried read is never served stale data.
type UTXOSource interface {
	GetUnspentOutputs(ctx context.Context, address string) ([]types.UTXO, error)
	InvalidateCache(address string)
}

// Status classifies the detected payment.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusUnderpaid Status = "underpaid"
	StatusOverpaid  Status = "overpaid"
	StatusTimeout   Status = "timeout"
)

// Result is one classification emitted by a watch. Underpaid results are
// not terminal: the UI may accept the partial amount or request the
// remainder, which loops the watch back to waiting.
type Result struct {
	Status        Status
	ReceivedSats  int64
	RequestedSats int64

	// RemainingSats is requested minus received for underpaid results.
	RemainingSats int64

	// SurplusSats is received minus requested for overpaid results.
	SurplusSats int64

	// TxID is the transaction that funded the address, when a single
	// one did.
	TxID string
}

// Config parameterizes a Poller.
type Config struct {
	Source   UTXOSource
	Interval time.Duration
	Timeout  time.Duration
	Logger   logger.Logger
	Metrics  metrics.Recorder
}

// Poller creates watches over receiving addresses.
type Poller struct {
	cfg Config
}

// NewPoller builds a poller, applying defaults for unset durations and
// nil logger/metrics.
func NewPoller(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NoopRecorder{}
	}

	return &Poller{cfg: cfg}
}

// Watch is one active polling loop over a single address.
type Watch struct {
	results   chan Result
	remainder chan struct{}
	cancel    context.CancelFunc
	stopOnce  sync.Once
}

// Watch starts polling the address. Results arrive on the returned
// watch's channel; the channel closes once the watch reaches a terminal
// classification, times out, or is stopped.
func (p *Poller) Watch(ctx context.Context, address string,
	requestedSats int64) *Watch {

	ctx, cancel := context.WithCancel(ctx)
	w := &Watch{
		results:   make(chan Result, 1),
		remainder: make(chan struct{}, 1),
		cancel:    cancel,
	}

	go p.run(ctx, w, address, requestedSats)
	return w
}

// Results is the classification stream for this watch.
func (w *Watch) Results() <-chan Result {
	return w.results
}

// RequestRemainder loops an underpaid watch back to waiting. No new
// payload is signed or issued for the missing amount; asking the sender
// happens out of band, and the watch simply resumes looking for the
// address total to change.
func (w *Watch) RequestRemainder() {
	select {
	case w.remainder <- struct{}{}:
	default:
	}
}

// Stop cancels the watch. Used both for teardown and for accepting a
// partial payment as final.
func (w *Watch) Stop() {
	w.cancel()
}

func (p *Poller) run(ctx context.Context, w *Watch, address string,
	requestedSats int64) {

	defer close(w.results)
	defer w.cancel()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	deadline := time.NewTimer(p.cfg.Timeout)
	defer deadline.Stop()

	// lastClassified is the address total at the last emitted
	// classification, so a resumed watch does not instantly re-report
	// the same partial payment.
	var lastClassified int64
	waiting := true

	for {
		select {
		case <-ctx.Done():
			return

		case <-deadline.C:
			select {
			case w.results <- Result{
				Status:        StatusTimeout,
				RequestedSats: requestedSats,
			}:
			case <-ctx.Done():
			}
			return

		case <-w.remainder:
			waiting = true

		case <-ticker.C:
			if !waiting {
				continue
			}

			start := time.Now()

			// Stale reads are worse than slow reads here: a
			// cached empty UTXO set would delay detection by a
			// full poll interval or more.
			p.cfg.Source.InvalidateCache(address)

			utxos, err := p.cfg.Source.GetUnspentOutputs(ctx, address)
			p.cfg.Metrics.ObserveLatency("confirm_poll",
				time.Since(start), map[string]string{})
			if err != nil {
				p.cfg.Logger.Warn("utxo poll failed", map[string]any{
					"address": address,
					"error":   err.Error(),
				})
				continue
			}

			var total int64
			txid := ""
			for _, u := range utxos {
				total += u.Value
				if txid == "" {
					txid = u.TxID
				} else if txid != u.TxID {
					txid = ""
				}
			}

			if total == 0 || total == lastClassified {
				continue
			}

			result := classify(total, requestedSats)
			result.TxID = txid
			lastClassified = total

			p.cfg.Metrics.IncCounter("confirm_"+string(result.Status),
				map[string]string{})

			select {
			case w.results <- result:
			case <-ctx.Done():
				return
			}
			if result.Status != StatusUnderpaid {
				return
			}

			// Underpaid: park until the UI either stops the
			// watch or requests the remainder.
			waiting = false
		}
	}
}

// classify maps a non-zero address total onto an outcome. No requested
// amount means any payment counts as success.
func classify(totalSats, requestedSats int64) Result {
	result := Result{
		ReceivedSats:  totalSats,
		RequestedSats: requestedSats,
	}

	switch {
	case requestedSats == 0 || totalSats == requestedSats:
		result.Status = StatusSuccess
	case totalSats < requestedSats:
		result.Status = StatusUnderpaid
		result.RemainingSats = requestedSats - totalSats
	default:
		result.Status = StatusOverpaid
		result.SurplusSats = totalSats - requestedSats
	}

	return result
}
