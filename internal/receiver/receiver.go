// Package receiver implements spec §4.C network receivers: a shared UDP
// polling base with per-variant packet parsing for legacy Scream,
// per-process Scream, and RTP+SAP ingress.
package receiver

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/screamrouter/engine/internal/audiopkt"
	"github.com/screamrouter/engine/internal/telemetry"
)

// Sink is where a receiver hands off successfully parsed packets — in
// production this is the timeshift manager's AddPacket method for RTP,
// and a Stager in front of the timeshift manager for the Scream variants.
type Sink interface {
	AddPacket(p audiopkt.Packet)
}

// Variant supplies the per-protocol parsing logic the base loop drives.
type Variant interface {
	// IsValidPacketStructure gates malformed-size packets before parsing.
	IsValidPacketStructure(buf []byte, addr *net.UDPAddr) bool
	// ProcessAndValidatePayload parses buf into a Packet. Returning an
	// error means "malformed", which the base loop logs at a bounded rate
	// and drops.
	ProcessAndValidatePayload(buf []byte, addr *net.UDPAddr, recvTime time.Time) (audiopkt.Packet, error)
	ReceiveBufferSize() int
}

// Base owns the UDP socket and poll loop shared by every receiver
// variant (spec §4.C "three variants share a base").
type Base struct {
	log     telemetry.Logger
	variant Variant
	sink    Sink
	addr    string

	conn    *net.UDPConn
	limiter *rate.Limiter

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewBase constructs a Base bound to addr (host:port, UDP). The limiter
// bounds malformed-packet warning log volume per spec §7.
func NewBase(log telemetry.Logger, addr string, variant Variant, sink Sink) *Base {
	return &Base{
		log:     log,
		variant: variant,
		sink:    sink,
		addr:    addr,
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start binds the socket and runs the poll loop in a new goroutine. It
// returns once the socket is bound (or bind fails).
func (b *Base) Start(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp", b.addr)
	if err != nil {
		return fmt.Errorf("receiver: resolve %s: %w", b.addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("receiver: listen %s: %w", b.addr, err)
	}
	b.conn = conn

	go b.loop(ctx)
	return nil
}

// Stop is idempotent; it closes the socket and waits for the poll loop
// to exit.
func (b *Base) Stop() {
	select {
	case <-b.stopCh:
		return
	default:
		close(b.stopCh)
	}
	if b.conn != nil {
		_ = b.conn.Close()
	}
	<-b.doneCh
}

func (b *Base) loop(ctx context.Context) {
	defer close(b.doneCh)

	bufSize := b.variant.ReceiveBufferSize()
	buf := make([]byte, bufSize)
	backoff := 10 * time.Millisecond

	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		_ = b.conn.SetReadDeadline(time.Now().Add(5 * time.Millisecond))
		n, addr, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-b.stopCh:
				return
			default:
			}
			b.log.Errorw("receiver socket error, reopening", "addr", b.addr, "err", err)
			time.Sleep(backoff)
			if backoff < 2*time.Second {
				backoff *= 2
			}
			if rerr := b.reopen(); rerr != nil {
				b.log.Errorw("receiver reopen failed", "addr", b.addr, "err", rerr)
			}
			continue
		}
		backoff = 10 * time.Millisecond

		if !b.variant.IsValidPacketStructure(buf[:n], addr) {
			if b.limiter.Allow() {
				b.log.Warnw("malformed packet: bad structure", "addr", addr.String(), "size", n)
			}
			continue
		}

		pkt, perr := b.variant.ProcessAndValidatePayload(buf[:n], addr, time.Now())
		if perr != nil {
			if b.limiter.Allow() {
				b.log.Warnw("malformed packet: parse failure", "addr", addr.String(), "err", perr)
			}
			continue
		}
		if verr := pkt.Validate(); verr != nil {
			if b.limiter.Allow() {
				b.log.Warnw("unsupported audio format", "addr", addr.String(), "err", verr)
			}
			continue
		}

		b.sink.AddPacket(pkt)
	}
}

func (b *Base) reopen() error {
	udpAddr, err := net.ResolveUDPAddr("udp", b.addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.conn = conn
	return nil
}
