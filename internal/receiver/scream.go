package receiver

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/screamrouter/engine/internal/audiopkt"
	"github.com/screamrouter/engine/internal/clock"
)

const (
	screamHeaderSize  = 5
	screamPCMSize     = 1152
	screamPacketSize  = screamHeaderSize + screamPCMSize // 1157
	programTagSize    = 30
	perProcessPktSize = programTagSize + screamPacketSize // 1187
)

// parseScreamHeader decodes the 5-byte Scream format header (spec §6).
func parseScreamHeader(buf []byte) (sampleRate, bitDepth, channels int, ch1, ch2 byte, err error) {
	if len(buf) < screamHeaderSize {
		return 0, 0, 0, 0, 0, fmt.Errorf("scream: header too short")
	}
	is44100Base := buf[0]&0x80 != 0
	divisor := int(buf[0] & 0x7F)
	if divisor == 0 {
		divisor = 1
	}
	base := 48000
	if is44100Base {
		base = 44100
	}
	sampleRate = base / divisor
	bitDepth = int(buf[1])
	channels = int(buf[2])
	ch1 = buf[3]
	ch2 = buf[4]
	return sampleRate, bitDepth, channels, ch1, ch2, nil
}

func padTag(ip string) string {
	if len(ip) > 15 {
		return ip[:15]
	}
	return ip + strings.Repeat(" ", 15-len(ip))
}

// ScreamVariant parses legacy Scream packets (fixed 1157 bytes).
type ScreamVariant struct{}

func (ScreamVariant) ReceiveBufferSize() int { return screamPacketSize + 64 }

func (ScreamVariant) IsValidPacketStructure(buf []byte, _ *net.UDPAddr) bool {
	return len(buf) == screamPacketSize
}

func (ScreamVariant) ProcessAndValidatePayload(buf []byte, addr *net.UDPAddr, recvTime time.Time) (audiopkt.Packet, error) {
	sr, bd, ch, c1, c2, err := parseScreamHeader(buf)
	if err != nil {
		return audiopkt.Packet{}, err
	}
	payload := make([]byte, screamPCMSize)
	copy(payload, buf[screamHeaderSize:])

	return audiopkt.Packet{
		SourceTag:    padTag(addr.IP.String()),
		ReceivedTime: recvTime,
		SampleRate:   sr,
		Channels:     ch,
		BitDepth:     bd,
		ChLayout1:    c1,
		ChLayout2:    c2,
		Audio:        payload,
	}, nil
}

// PerProcessScreamVariant parses per-process Scream packets: a 30-byte
// ASCII program tag prefix followed by a standard Scream packet.
type PerProcessScreamVariant struct{}

func (PerProcessScreamVariant) ReceiveBufferSize() int { return perProcessPktSize + 64 }

func (PerProcessScreamVariant) IsValidPacketStructure(buf []byte, _ *net.UDPAddr) bool {
	return len(buf) == perProcessPktSize
}

func (PerProcessScreamVariant) ProcessAndValidatePayload(buf []byte, addr *net.UDPAddr, recvTime time.Time) (audiopkt.Packet, error) {
	programTag := strings.TrimRight(string(buf[:programTagSize]), " \x00")
	sr, bd, ch, c1, c2, err := parseScreamHeader(buf[programTagSize:])
	if err != nil {
		return audiopkt.Packet{}, err
	}
	payload := make([]byte, screamPCMSize)
	copy(payload, buf[programTagSize+screamHeaderSize:])

	return audiopkt.Packet{
		SourceTag:    padTag(addr.IP.String()) + programTag,
		ReceivedTime: recvTime,
		SampleRate:   sr,
		Channels:     ch,
		BitDepth:     bd,
		ChLayout1:    c1,
		ChLayout2:    c2,
		Audio:        payload,
	}, nil
}

// screamStream holds the clock-paced staging state for one Scream
// source_tag (spec §4.C "clock-paced staging queue" / §9 "silence
// synthesis").
type screamStream struct {
	mu       sync.Mutex
	pending  [][]byte
	format   clock.Format
	cond     *clock.Condition
	lastSeq  uint64
	nextTS   uint32
	meta     audiopkt.Packet // carries format/tag, Audio replaced per release
	stopped  bool
}

// Stager absorbs sender-side burstiness by buffering arrived Scream
// packets per stream and releasing exactly one per clock tick,
// synthesizing a zero-filled packet if none arrived (spec §4.C item 3,
// §9 "Silence synthesis"). It implements Sink so it can sit between a
// Base receiver and the real downstream Sink.
type Stager struct {
	downstream Sink
	clockMgr   *clock.Manager
	framesPer  int

	mu      sync.Mutex
	streams map[string]*screamStream
}

// NewStager wraps downstream with clock pacing, using the given clock
// Manager and the configured frames-per-chunk for the clock format.
func NewStager(downstream Sink, clockMgr *clock.Manager, framesPerChunk int) *Stager {
	s := &Stager{
		downstream: downstream,
		clockMgr:   clockMgr,
		framesPer:  framesPerChunk,
		streams:    make(map[string]*screamStream),
	}
	return s
}

// AddPacket implements Sink: it buffers the packet against its stream's
// staging queue; the paced goroutine (started lazily per stream) is
// responsible for release.
func (s *Stager) AddPacket(p audiopkt.Packet) {
	s.mu.Lock()
	st, ok := s.streams[p.SourceTag]
	if !ok {
		st = &screamStream{
			format: clock.Format{
				SampleRate:     p.SampleRate,
				Channels:       p.Channels,
				BitDepth:       p.BitDepth,
				FramesPerChunk: s.framesPer,
			},
			meta: p,
		}
		st.cond = s.clockMgr.Register(st.format)
		s.streams[p.SourceTag] = st
		go s.pace(p.SourceTag, st)
	}
	s.mu.Unlock()

	st.mu.Lock()
	if st.format != (clock.Format{SampleRate: p.SampleRate, Channels: p.Channels, BitDepth: p.BitDepth, FramesPerChunk: s.framesPer}) {
		// format change: drop pending queue, re-register clock condition.
		s.clockMgr.Unregister(st.format)
		st.format = clock.Format{SampleRate: p.SampleRate, Channels: p.Channels, BitDepth: p.BitDepth, FramesPerChunk: s.framesPer}
		st.cond = s.clockMgr.Register(st.format)
		st.pending = nil
	}
	st.meta = p
	st.pending = append(st.pending, p.Audio)
	st.mu.Unlock()
}

func (s *Stager) pace(tag string, st *screamStream) {
	last := st.cond.Sequence()
	for {
		st.mu.Lock()
		if st.stopped {
			st.mu.Unlock()
			return
		}
		cond := st.cond
		st.mu.Unlock()

		last = cond.Wait(last)

		st.mu.Lock()
		if st.stopped {
			st.mu.Unlock()
			return
		}
		var payload []byte
		if len(st.pending) > 0 {
			payload = st.pending[0]
			st.pending = st.pending[1:]
		} else {
			payload = make([]byte, len(st.meta.Audio))
		}
		out := st.meta
		out.Audio = payload
		out.RTPTimestamp = st.nextTS
		out.HasRTPTS = true
		out.ReceivedTime = time.Now()
		st.nextTS += uint32(out.Frames())
		st.mu.Unlock()

		s.downstream.AddPacket(out)
	}
}

// Close tears down every staged stream and its clock registration.
func (s *Stager) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tag, st := range s.streams {
		st.mu.Lock()
		st.stopped = true
		fmtCopy := st.format
		st.mu.Unlock()
		s.clockMgr.Unregister(fmtCopy)
		delete(s.streams, tag)
	}
}
