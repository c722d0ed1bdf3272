package receiver

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/screamrouter/engine/internal/audiopkt"
)

// RTPStreamFormat is what SAP/SDP announcement resolves an RTP SSRC to
// (spec §6 "SAP/SDP format parsed to obtain ssrc → {codec, sample_rate,
// channels, channel_mapping}").
type RTPStreamFormat struct {
	SampleRate int
	Channels   int
	BitDepth   int
	ChLayout1  byte
	ChLayout2  byte
}

// SAPRegistry is the shared, mutex-guarded table the SAP listener
// populates and the RTP variant consults to resolve payload type/SSRC
// to a concrete audio format.
type SAPRegistry struct {
	mu      sync.RWMutex
	formats map[uint32]RTPStreamFormat
}

// NewSAPRegistry returns an empty registry. RTPVariant decodes an RTP
// stream with no matching SAP announcement as defaultRTPFormat
// (48k/16/2).
func NewSAPRegistry() *SAPRegistry {
	return &SAPRegistry{formats: make(map[uint32]RTPStreamFormat)}
}

func (r *SAPRegistry) set(ssrc uint32, f RTPStreamFormat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.formats[ssrc] = f
}

func (r *SAPRegistry) lookup(ssrc uint32) (RTPStreamFormat, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.formats[ssrc]
	return f, ok
}

var defaultRTPFormat = RTPStreamFormat{SampleRate: 48000, Channels: 2, BitDepth: 16}

// RTPVariant parses standard RTP packets, using SAPRegistry to resolve
// format metadata that RTP itself does not carry.
type RTPVariant struct {
	SAP *SAPRegistry
}

func (RTPVariant) ReceiveBufferSize() int { return 2048 }

func (RTPVariant) IsValidPacketStructure(buf []byte, _ *net.UDPAddr) bool {
	return len(buf) >= 12 // minimum RTP header size
}

func (v RTPVariant) ProcessAndValidatePayload(buf []byte, addr *net.UDPAddr, recvTime time.Time) (audiopkt.Packet, error) {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(buf); err != nil {
		return audiopkt.Packet{}, fmt.Errorf("rtp: unmarshal: %w", err)
	}

	format, ok := v.SAP.lookup(pkt.SSRC)
	if !ok {
		format = defaultRTPFormat
	}

	return audiopkt.Packet{
		SourceTag:    fmt.Sprintf("rtp-%08x", pkt.SSRC),
		ReceivedTime: recvTime,
		RTPTimestamp: pkt.Timestamp,
		HasRTPTS:     true,
		SampleRate:   format.SampleRate,
		Channels:     format.Channels,
		BitDepth:     format.BitDepth,
		ChLayout1:    format.ChLayout1,
		ChLayout2:    format.ChLayout2,
		Audio:        append([]byte(nil), pkt.Payload...),
	}, nil
}

// SAPListener parses SAP/SDP announcements (spec §4.C, §6) and
// populates a SAPRegistry. It opens no socket of its own (UDP port 9875
// is not bound anywhere); callers hand it each announcement's SDP body
// through HandleAnnouncement. Grounded on the SDP parsing
// shape of the teacher's api/assistant-api/sip/infra/sdp.go, reduced to
// the fields this engine needs (rate, channels — no codec negotiation,
// since ingress RTP here is always raw PCM per spec §1/§6).
type SAPListener struct {
	registry *SAPRegistry
}

// NewSAPListener builds a listener that writes into registry.
func NewSAPListener(registry *SAPRegistry) *SAPListener {
	return &SAPListener{registry: registry}
}

// HandleAnnouncement parses one SAP/SDP payload and records its ssrc's
// format in the registry. SAP packets carry an SDP body after a small
// fixed header; callers pass just the SDP body.
func (l *SAPListener) HandleAnnouncement(sdpBody []byte) error {
	ssrc, format, err := parseSDPForSSRCFormat(string(sdpBody))
	if err != nil {
		return err
	}
	l.registry.set(ssrc, format)
	return nil
}

// parseSDPForSSRCFormat extracts enough of an SDP body to resolve an
// RTP SSRC to a PCM format: an "a=ssrc:<id>" attribute and an
// "a=rtpmap:<pt> L16/<rate>/<channels>" media attribute (L16/L24 raw PCM
// per RFC 3551 convention; other codecs fall back to defaultRTPFormat
// upstream).
func parseSDPForSSRCFormat(sdp string) (uint32, RTPStreamFormat, error) {
	var ssrc uint64
	format := defaultRTPFormat
	found := false

	for _, line := range strings.Split(sdp, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "a=ssrc:"):
			fields := strings.Fields(strings.TrimPrefix(line, "a=ssrc:"))
			if len(fields) > 0 {
				v, err := strconv.ParseUint(fields[0], 10, 32)
				if err == nil {
					ssrc = v
				}
			}
		case strings.HasPrefix(line, "a=rtpmap:"):
			rest := strings.TrimPrefix(line, "a=rtpmap:")
			parts := strings.SplitN(rest, " ", 2)
			if len(parts) == 2 {
				codecParts := strings.Split(parts[1], "/")
				if len(codecParts) >= 2 && strings.HasPrefix(strings.ToUpper(codecParts[0]), "L") {
					bits, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(codecParts[0]), "L"))
					if err == nil {
						format.BitDepth = bits
					}
					rate, err := strconv.Atoi(codecParts[1])
					if err == nil {
						format.SampleRate = rate
						found = true
					}
					if len(codecParts) == 3 {
						if ch, err := strconv.Atoi(codecParts[2]); err == nil {
							format.Channels = ch
						}
					}
				}
			}
		}
	}

	if !found {
		return 0, format, fmt.Errorf("sap: no usable rtpmap in announcement")
	}
	return uint32(ssrc), format, nil
}
