package sender

import (
	"fmt"
	"hash/fnv"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
)

// RTPSender sends PCM (or MP3, via a distinct payload type) over RTP,
// maintaining its own sequence number and cumulative sample-count
// timestamp (spec §4.G "RTP sender").
type RTPSender struct {
	destAddr    string
	payloadType uint8
	ssrc        uint32
	sampleRate  int
	frameSize   int // bytes per sample-frame, for timestamp accounting
	localPort   int // 0 lets the OS assign an ephemeral port

	mp3PayloadType uint8
	mp3Mode        bool
	firstMP3Frame  bool

	mu     sync.Mutex
	seq    uint16
	ts     uint32
	conn   *net.UDPConn
	closed atomic.Bool
}

// NewRTPSender builds an RTP sender with a fixed SSRC and payload type.
// localPort, if nonzero, is an internal/portpool-allocated local UDP
// port to bind rather than letting the OS assign one.
func NewRTPSender(destAddr string, payloadType uint8, ssrc uint32, sampleRate, channels, bitDepth, localPort int) *RTPSender {
	return &RTPSender{
		destAddr:      destAddr,
		payloadType:   payloadType,
		ssrc:          ssrc,
		sampleRate:    sampleRate,
		frameSize:     channels * (bitDepth / 8),
		localPort:     localPort,
		firstMP3Frame: true,
	}
}

// EnableMP3 switches this sender into MP3 mode with a distinct payload
// type. The marker bit is set only on the first packet sent in MP3 mode;
// every later packet carries no marker.
func (s *RTPSender) EnableMP3(mp3PayloadType uint8) {
	s.mp3Mode = true
	s.mp3PayloadType = mp3PayloadType
}

func (s *RTPSender) Setup() error {
	addr, err := net.ResolveUDPAddr("udp", s.destAddr)
	if err != nil {
		return fmt.Errorf("rtp sender: resolve %s: %w", s.destAddr, err)
	}
	var laddr *net.UDPAddr
	if s.localPort != 0 {
		laddr = &net.UDPAddr{Port: s.localPort}
	}
	conn, err := net.DialUDP("udp", laddr, addr)
	if err != nil {
		return fmt.Errorf("rtp sender: dial %s: %w", s.destAddr, err)
	}
	s.conn = conn
	return nil
}

func (s *RTPSender) SendPayload(payload []byte, csrcs []string) error {
	if s.closed.Load() || s.conn == nil {
		return nil
	}

	s.mu.Lock()
	pt := s.payloadType
	marker := false
	if s.mp3Mode {
		pt = s.mp3PayloadType
		marker = s.firstMP3Frame
		s.firstMP3Frame = false
	}

	var frames int
	if s.frameSize > 0 {
		frames = len(payload) / s.frameSize
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    pt,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
			CSRC:           csrcsToIDs(csrcs),
		},
		Payload: payload,
	}
	s.seq++
	s.ts += uint32(frames)
	s.mu.Unlock()

	buf, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("rtp sender: marshal: %w", err)
	}
	_, err = s.conn.Write(buf)
	return err
}

func (s *RTPSender) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *RTPSender) IsClosed() bool                 { return s.closed.Load() }
func (s *RTPSender) ShouldCleanupDueToTimeout() bool { return false }

// csrcsToIDs turns the mixer's contributing path_id strings into the
// numeric CSRC identifiers RTP's header carries (RFC 3550 caps this
// list at 15 entries).
func csrcsToIDs(csrcs []string) []uint32 {
	if len(csrcs) == 0 {
		return nil
	}
	if len(csrcs) > 15 {
		csrcs = csrcs[:15]
	}
	ids := make([]uint32, len(csrcs))
	for i, c := range csrcs {
		h := fnv.New32a()
		_, _ = h.Write([]byte(c))
		ids[i] = h.Sum32()
	}
	return ids
}
