package sender

import (
	"fmt"
	"net"
	"sync/atomic"
)

// ScreamSender emits the 5-byte Scream header (derived from the sink's
// fixed format) followed by the PCM payload over UDP. It ignores csrcs
// and carries no session state (spec §4.G).
type ScreamSender struct {
	destAddr   string
	sampleRate int
	bitDepth   int
	channels   int
	ch1, ch2   byte

	conn   *net.UDPConn
	closed atomic.Bool
}

// NewScreamSender builds a sender targeting destAddr ("ip:port") with
// the given fixed sink output format.
func NewScreamSender(destAddr string, sampleRate, bitDepth, channels int, ch1, ch2 byte) *ScreamSender {
	return &ScreamSender{
		destAddr:   destAddr,
		sampleRate: sampleRate,
		bitDepth:   bitDepth,
		channels:   channels,
		ch1:        ch1,
		ch2:        ch2,
	}
}

func (s *ScreamSender) Setup() error {
	addr, err := net.ResolveUDPAddr("udp", s.destAddr)
	if err != nil {
		return fmt.Errorf("scream sender: resolve %s: %w", s.destAddr, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("scream sender: dial %s: %w", s.destAddr, err)
	}
	s.conn = conn
	return nil
}

// header encodes this sender's fixed format into the 5-byte Scream
// header (inverse of receiver.parseScreamHeader).
func (s *ScreamSender) header() []byte {
	is44100 := s.sampleRate != 0 && 44100%s.sampleRate == 0 && 48000%s.sampleRate != 0
	base := 48000
	if is44100 {
		base = 44100
	}
	divisor := base / s.sampleRate
	b0 := byte(divisor & 0x7F)
	if is44100 {
		b0 |= 0x80
	}
	return []byte{b0, byte(s.bitDepth), byte(s.channels), s.ch1, s.ch2}
}

func (s *ScreamSender) SendPayload(payload []byte, _ []string) error {
	if s.closed.Load() || s.conn == nil {
		return nil
	}
	buf := append(s.header(), payload...)
	_, err := s.conn.Write(buf)
	return err
}

func (s *ScreamSender) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *ScreamSender) IsClosed() bool                    { return s.closed.Load() }
func (s *ScreamSender) ShouldCleanupDueToTimeout() bool    { return false }
