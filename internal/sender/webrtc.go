package sender

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4/pkg/media"

	pionwebrtc "github.com/pion/webrtc/v4"

	"github.com/screamrouter/engine/internal/codec"
	"github.com/screamrouter/engine/internal/dsp"
	"github.com/screamrouter/engine/internal/telemetry"
)

// WebRTCState mirrors spec §4.G's state machine:
// New -> Connecting -> Connected -> (Disconnected | Failed | Closed).
type WebRTCState int

const (
	StateNew WebRTCState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

// CleanupTimeout is spec §4.G/§6's fixed WebRTC idle-in-terminal-state
// window before the embedder's cleanup callback fires.
const CleanupTimeout = 30 * time.Second

// SignalCallbacks are the embedder-routed, out-of-band signaling hooks
// spec §4.G and §9 describe: opaque SDP/ICE strings the embedder ferries
// to the remote peer by whatever side channel it has.
type SignalCallbacks struct {
	OnLocalDescription func(sdp string)
	OnICECandidate     func(candidate, mid string)
	OnCleanup          func(listenerID string)
}

// WebRTCSender encodes the sink's 32-bit PCM mix to Opus and sends it
// over an ordered WebRTC media track (spec §4.G "WebRTC sender").
//
// Adapted from the teacher's
// api/assistant-api/internal/webrtc/grpc_streamer.go createPeerConnection
// / setupPeerEventHandlers / createLocalTrack, redirected from its
// bidirectional conversational-audio flow to this engine's one-way
// sink-mixer-to-peer egress, and from gRPC signaling to the
// plain-callback signaling contract spec §9 requires.
type WebRTCSender struct {
	log        telemetry.Logger
	listenerID string
	channels   int
	bitDepth   int
	localPort  int
	callbacks  SignalCallbacks

	mu         sync.Mutex
	pc         *pionwebrtc.PeerConnection
	localTrack *pionwebrtc.TrackLocalStaticSample
	encoder    *codec.Encoder
	state      WebRTCState
	closed     atomic.Bool

	terminalSince time.Time
	cleanupOnce   sync.Once

	pending []float32 // interleaved samples short of one Opus frame
}

// NewWebRTCSender constructs a sender for a multichannel-capable sink
// (Setup falls back to stereo if no Opus encoder can be created for the
// requested channel count, per spec §4.G). localPort, if nonzero, pins the ICE agent's single UDP
// candidate to a port obtained from internal/portpool rather than an
// OS-assigned ephemeral one; 0 leaves ICE to pick its own.
func NewWebRTCSender(log telemetry.Logger, listenerID string, channels, bitDepth, localPort int, callbacks SignalCallbacks) *WebRTCSender {
	return &WebRTCSender{
		log:        log,
		listenerID: listenerID,
		channels:   channels,
		bitDepth:   bitDepth,
		localPort:  localPort,
		callbacks:  callbacks,
		state:      StateNew,
	}
}

// Setup creates the PeerConnection, registers the Opus codec, and
// generates a local offer handed to the embedder via OnLocalDescription.
func (w *WebRTCSender) Setup() error {
	enc, err := codec.NewEncoder(w.channels)
	if err != nil {
		w.channels = 2
		enc, err = codec.NewEncoder(2)
		if err != nil {
			return fmt.Errorf("webrtc sender: opus encoder: %w", err)
		}
	}
	w.encoder = enc

	mediaEngine := &pionwebrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(pionwebrtc.RTPCodecParameters{
		RTPCodecCapability: pionwebrtc.RTPCodecCapability{
			MimeType:    pionwebrtc.MimeTypeOpus,
			ClockRate:   codec.OpusSampleRate,
			Channels:    uint16(w.channels),
			SDPFmtpLine: codec.MultistreamFmtpParams(w.channels),
		},
		PayloadType: 111,
	}, pionwebrtc.RTPCodecTypeAudio); err != nil {
		return fmt.Errorf("webrtc sender: register opus codec: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := pionwebrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return fmt.Errorf("webrtc sender: register interceptors: %w", err)
	}

	apiOpts := []func(*pionwebrtc.API){
		pionwebrtc.WithMediaEngine(mediaEngine),
		pionwebrtc.WithInterceptorRegistry(registry),
	}
	if w.localPort != 0 {
		// Pin the ICE agent to the one port internal/portpool handed this
		// sender, same single-port-per-session shape as RTPSender's
		// DialUDP (spec §4.G shares one allocator across both senders).
		se := pionwebrtc.SettingEngine{}
		if err := se.SetEphemeralUDPPortRange(uint16(w.localPort), uint16(w.localPort)); err != nil {
			return fmt.Errorf("webrtc sender: pin udp port %d: %w", w.localPort, err)
		}
		apiOpts = append(apiOpts, pionwebrtc.WithSettingEngine(se))
	}
	api := pionwebrtc.NewAPI(apiOpts...)

	pc, err := api.NewPeerConnection(pionwebrtc.Configuration{})
	if err != nil {
		return fmt.Errorf("webrtc sender: new peer connection: %w", err)
	}

	w.mu.Lock()
	w.pc = pc
	w.state = StateConnecting
	w.mu.Unlock()

	w.setupEventHandlers()
	if err := w.createLocalTrack(); err != nil {
		return err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("webrtc sender: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("webrtc sender: set local description: %w", err)
	}
	if w.callbacks.OnLocalDescription != nil {
		w.callbacks.OnLocalDescription(offer.SDP)
	}
	return nil
}

func (w *WebRTCSender) createLocalTrack() error {
	track, err := pionwebrtc.NewTrackLocalStaticSample(
		pionwebrtc.RTPCodecCapability{
			MimeType:  pionwebrtc.MimeTypeOpus,
			ClockRate: codec.OpusSampleRate,
			Channels:  uint16(w.channels),
		},
		"audio",
		"screamrouter-"+w.listenerID,
	)
	if err != nil {
		return fmt.Errorf("webrtc sender: new local track: %w", err)
	}
	if _, err := w.pc.AddTrack(track); err != nil {
		return fmt.Errorf("webrtc sender: add track: %w", err)
	}
	w.mu.Lock()
	w.localTrack = track
	w.mu.Unlock()
	return nil
}

func (w *WebRTCSender) setupEventHandlers() {
	w.pc.OnICECandidate(func(c *pionwebrtc.ICECandidate) {
		if c == nil || w.callbacks.OnICECandidate == nil {
			return
		}
		j := c.ToJSON()
		mid := ""
		if j.SDPMid != nil {
			mid = *j.SDPMid
		}
		w.callbacks.OnICECandidate(j.Candidate, mid)
	})

	w.pc.OnConnectionStateChange(func(state pionwebrtc.PeerConnectionState) {
		w.log.Infow("webrtc connection state changed", "listener", w.listenerID, "state", state.String())
		w.mu.Lock()
		switch state {
		case pionwebrtc.PeerConnectionStateConnected:
			w.state = StateConnected
			w.terminalSince = time.Time{}
		case pionwebrtc.PeerConnectionStateFailed:
			w.state = StateFailed
			w.terminalSince = time.Now()
		case pionwebrtc.PeerConnectionStateClosed:
			w.state = StateClosed
			w.terminalSince = time.Now()
		case pionwebrtc.PeerConnectionStateDisconnected:
			w.state = StateDisconnected
			w.terminalSince = time.Now()
		}
		w.mu.Unlock()
	})
}

// SetRemoteDescription applies an SDP answer the embedder received from
// the remote peer.
func (w *WebRTCSender) SetRemoteDescription(sdp string) error {
	w.mu.Lock()
	pc := w.pc
	w.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("webrtc sender: not set up")
	}
	return pc.SetRemoteDescription(pionwebrtc.SessionDescription{
		Type: pionwebrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

// AddICECandidate forwards an ICE candidate the embedder received from
// the remote peer.
func (w *WebRTCSender) AddICECandidate(candidate, mid string) error {
	w.mu.Lock()
	pc := w.pc
	w.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("webrtc sender: not set up")
	}
	return pc.AddICECandidate(pionwebrtc.ICECandidateInit{Candidate: candidate, SDPMid: &mid})
}

// SendPayload encodes the sink's PCM mix to one or more 2.5ms Opus
// frames (OpusFrameSamples per channel) and writes them to the local
// track (spec §4.G). Samples short of a whole frame are held for the
// next call.
//
// The mixer's payload here is raw bit-depth-encoded PCM bytes; this
// sender re-decodes to float32 frames via the shared dsp codec so it can
// feed the Opus encoder, which requires interleaved float32 input.
func (w *WebRTCSender) SendPayload(payload []byte, _ []string) error {
	w.mu.Lock()
	closed := w.closed.Load()
	track := w.localTrack
	enc := w.encoder
	w.mu.Unlock()
	if closed || track == nil || enc == nil {
		return nil
	}

	chans := dsp.Decode(payload, w.channels, w.bitDepth)
	w.pending = append(w.pending, codec.Interleave(chans)...)
	step := codec.OpusFrameSamples * w.channels
	for len(w.pending) >= step {
		frame, err := enc.EncodeFrame(w.pending[:step])
		w.pending = w.pending[step:]
		if err != nil {
			return fmt.Errorf("webrtc sender: encode: %w", err)
		}
		if err := track.WriteSample(media.Sample{Data: frame, Duration: opusFrameDuration}); err != nil {
			return err
		}
	}
	return nil
}

// opusFrameDuration is the wall-clock length of one 120-sample @ 48kHz
// Opus frame, used as the media.Sample duration the track timestamps
// itself against.
const opusFrameDuration = time.Duration(codec.OpusFrameSamples) * time.Second / codec.OpusSampleRate

// ShouldCleanupDueToTimeout reports whether the sender has spent longer
// than CleanupTimeout in a terminal (Disconnected/Failed/Closed) state.
func (w *WebRTCSender) ShouldCleanupDueToTimeout() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.terminalSince.IsZero() {
		return false
	}
	return time.Since(w.terminalSince) > CleanupTimeout
}

// PollCleanup should be called periodically (e.g. by the engine's
// reaper loop); it invokes OnCleanup exactly once when the timeout
// elapses.
func (w *WebRTCSender) PollCleanup() {
	if !w.ShouldCleanupDueToTimeout() {
		return
	}
	w.cleanupOnce.Do(func() {
		if w.callbacks.OnCleanup != nil {
			w.callbacks.OnCleanup(w.listenerID)
		}
		_ = w.Close()
	})
}

func (w *WebRTCSender) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.mu.Lock()
	pc := w.pc
	w.state = StateClosed
	w.mu.Unlock()
	if pc != nil {
		return pc.Close()
	}
	return nil
}

func (w *WebRTCSender) IsClosed() bool { return w.closed.Load() }

// State returns the current connection state, for tests and metrics.
func (w *WebRTCSender) State() WebRTCState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// ForceState is exposed for tests (spec E6 "force its internal state to
// Failed").
func (w *WebRTCSender) ForceState(s WebRTCState) {
	w.mu.Lock()
	w.state = s
	if s == StateFailed || s == StateClosed || s == StateDisconnected {
		w.terminalSince = time.Now()
	}
	w.mu.Unlock()
}
