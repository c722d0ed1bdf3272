// Package engine wires Components A-H together into one running audio
// router: receivers feed the timeshift manager, which fans out to
// per-path processors, which feed per-sink mixers, which drive network
// senders. Manager implements config.EngineFacade so internal/config's
// Applier can reconcile a DesiredEngineState against it.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/screamrouter/engine/internal/audiopkt"
	"github.com/screamrouter/engine/internal/clock"
	"github.com/screamrouter/engine/internal/config"
	"github.com/screamrouter/engine/internal/dsp"
	"github.com/screamrouter/engine/internal/engineconfig"
	"github.com/screamrouter/engine/internal/mixer"
	"github.com/screamrouter/engine/internal/portpool"
	"github.com/screamrouter/engine/internal/processor"
	"github.com/screamrouter/engine/internal/queue"
	"github.com/screamrouter/engine/internal/receiver"
	"github.com/screamrouter/engine/internal/sender"
	"github.com/screamrouter/engine/internal/telemetry"
	"github.com/screamrouter/engine/internal/timeshift"
)

const (
	pathInQueueCapacity  = 64
	pathCmdQueueCapacity = 16
	pathOutQueueCapacity = 64
)

type pathEntry struct {
	spec       config.SourcePathSpec
	instanceID string

	in       *queue.Queue[audiopkt.Packet]
	cmd      *queue.Queue[processor.ParameterUpdates]
	out      *queue.Queue[processor.ProcessedChunk]
	proc     *processor.Processor
	sinkID   string // currently-connected sink, "" if none
}

type sinkEntry struct {
	spec   config.SinkSpec
	mixer  *mixer.Mixer
	sender sender.Sender
	port   int // internal/portpool-allocated local UDP port, 0 if none
}

// ICECandidate is one ICE candidate a WebRTC sink's local peer
// connection has gathered, buffered for the HTTP signaling routes to
// hand to the embedder (spec §4.G, §9's plain-callback signaling
// contract, exposed here over HTTP since this engine has no other
// out-of-band channel).
type ICECandidate struct {
	Candidate string `json:"candidate"`
	Mid       string `json:"mid"`
}

// webrtcSignal buffers one WebRTC sink's local offer and ICE candidates
// between the sender's SignalCallbacks firing and an embedder polling
// for them over HTTP.
type webrtcSignal struct {
	mu         sync.Mutex
	localSDP   string
	candidates []ICECandidate
}

// Manager owns every live component and is the engine facade the
// reconciler drives (spec §4.H, §5 "audio manager exclusively owns all
// active receivers, timeshift manager, processors, mixers, and
// senders").
type Manager struct {
	log telemetry.Logger
	cfg engineconfig.EngineConfig

	clockMgr     *clock.Manager
	timeshiftMgr *timeshift.Manager

	screamRecv   *receiver.Base
	perProcRecv  *receiver.Base
	rtpRecv      *receiver.Base
	sapRegistry  *receiver.SAPRegistry
	sapListener  *receiver.SAPListener
	stager       *receiver.Stager

	portAlloc *portpool.Allocator

	// cleanupRequester routes a WebRTC sender's terminal-state timeout
	// into the reconciler's pendingCleanup queue (see internal/config's
	// RequestSinkCleanup/DrainPendingCleanups) instead of tearing the
	// sink down directly, so the reconciler's shadow state never goes
	// stale behind the engine's back. Set via SetCleanupRequester once
	// both Manager and the Applier exist (cmd/engine/main.go); nil until
	// then, in which case cleanup falls back to a direct RemoveSink.
	cleanupRequester func(sinkID string)

	mu             sync.Mutex
	pathsByID      map[string]*pathEntry
	pathsByInstance map[string]*pathEntry
	sinks          map[string]*sinkEntry
	signals        map[string]*webrtcSignal

	stopped atomic.Bool
}

// New constructs a Manager with every shared component (clock, timeshift,
// receivers) built but not yet started; call Start to begin serving.
func New(log telemetry.Logger, cfg engineconfig.EngineConfig) *Manager {
	clockMgr := clock.NewManager()
	tsCfg := timeshift.Config{
		Retention:             cfg.TimeshiftRetain,
		TargetBufferLevelMs:   cfg.TargetBufferMs,
		MaxAdaptiveDelayMs:    cfg.MaxAdaptiveMs,
		LatePacketThresholdMs: cfg.LatePacketMs,
		LoopMaxSleepMs:        cfg.LoopMaxSleepMs,
		CleanupIntervalMs:     cfg.CleanupIntervalMs,
		JitterSmoothingAlpha:  cfg.JitterSmoothingA,
		JitterSafetyMultiplier: cfg.JitterSafetyMult,
	}
	tsMgr := timeshift.NewManager(tsCfg, log)
	sapRegistry := receiver.NewSAPRegistry()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	portAlloc := portpool.New(redisClient, log, cfg.RTPPortRangeLo, cfg.RTPPortRangeHi)

	m := &Manager{
		log:             log,
		cfg:             cfg,
		clockMgr:        clockMgr,
		timeshiftMgr:    tsMgr,
		sapRegistry:     sapRegistry,
		sapListener:     receiver.NewSAPListener(sapRegistry),
		portAlloc:       portAlloc,
		pathsByID:       make(map[string]*pathEntry),
		pathsByInstance: make(map[string]*pathEntry),
		sinks:           make(map[string]*sinkEntry),
		signals:         make(map[string]*webrtcSignal),
	}

	stager := receiver.NewStager(tsMgr, clockMgr, cfg.FramesPerChunk)
	m.stager = stager
	m.screamRecv = receiver.NewBase(log, fmt.Sprintf(":%d", cfg.ScreamPort), receiver.ScreamVariant{}, stager)
	m.perProcRecv = receiver.NewBase(log, fmt.Sprintf(":%d", cfg.ScreamPort+1), receiver.PerProcessScreamVariant{}, stager)
	m.rtpRecv = receiver.NewBase(log, fmt.Sprintf(":%d", cfg.RTPPort), receiver.RTPVariant{SAP: sapRegistry}, tsMgr)

	return m
}

// Start begins every receiver's poll loop and the timeshift dispatch
// loop (spec §5 "one [thread] for every receiver socket ... the
// timeshift dispatch loop"). It returns a receiver's bind error at once;
// otherwise it blocks until ctx is done and then returns nil.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.portAlloc.Init(ctx); err != nil {
		// Non-fatal: senders fall back to OS-assigned ephemeral ports
		// (see allocatePort) if the shared pool is unavailable.
		m.log.Warnw("port pool init failed, falling back to OS-assigned ports", "err", err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.screamRecv.Start(gCtx) })
	g.Go(func() error { return m.perProcRecv.Start(gCtx) })
	g.Go(func() error { return m.rtpRecv.Start(gCtx) })

	go m.timeshiftMgr.Run()

	if err := g.Wait(); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// Stop tears the engine down in spec §5's reverse-dependency order:
// senders, mixers, processors, timeshift, clocks, receivers. Idempotent.
func (m *Manager) Stop() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}

	m.mu.Lock()
	sinks := make([]*sinkEntry, 0, len(m.sinks))
	for _, s := range m.sinks {
		sinks = append(sinks, s)
	}
	paths := make([]*pathEntry, 0, len(m.pathsByID))
	for _, p := range m.pathsByID {
		paths = append(paths, p)
	}
	m.mu.Unlock()

	// 1. Senders.
	for _, s := range sinks {
		if err := s.sender.Close(); err != nil {
			m.log.Warnw("sender close failed during shutdown", "sink_id", s.spec.SinkID, "err", err)
		}
		if s.port != 0 {
			m.portAlloc.Release(context.Background(), s.port)
		}
	}
	// 2. Mixers.
	for _, s := range sinks {
		s.mixer.Stop()
	}
	// 3. Processors.
	for _, p := range paths {
		p.proc.Stop()
	}
	// 4. Timeshift.
	m.timeshiftMgr.Stop()
	// 5. Clocks: torn down lazily as their last processor/stager
	// unregisters; closing the Stager drops its registrations.
	m.stager.Close()
	// 6. Receivers.
	m.screamRecv.Stop()
	m.perProcRecv.Stop()
	m.rtpRecv.Stop()

	m.portAlloc.ReleaseAll(context.Background())
}

// SetCleanupRequester wires the reconciler's queued-cleanup hook (spec
// §5 "implementations without recursive locking must serialize cleanup
// requests into a queue the reconciler drains"). Call once at startup
// after both the Manager and its Applier exist.
func (m *Manager) SetCleanupRequester(fn func(sinkID string)) {
	m.mu.Lock()
	m.cleanupRequester = fn
	m.mu.Unlock()
}

// HandleSAPAnnouncement feeds a SAP/SDP announcement's SDP body into the
// SSRC→format registry the RTP receiver consults (spec §6 "dynamic
// payload type mapped from SAP announcements"). The engine binds no SAP
// socket of its own; announcements reach the registry only through this
// method.
func (m *Manager) HandleSAPAnnouncement(payload []byte) error {
	return m.sapListener.HandleAnnouncement(payload)
}

// --- config.EngineFacade ---

func (m *Manager) AddSourcePath(spec config.SourcePathSpec, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	in := queue.New[audiopkt.Packet](pathInQueueCapacity, queue.Block)
	cmd := queue.New[processor.ParameterUpdates](pathCmdQueueCapacity, queue.DropOldest)
	out := queue.New[processor.ProcessedChunk](pathOutQueueCapacity, queue.Block)

	procSpec := processor.Spec{
		PathID:                 spec.PathID,
		SourceTag:              spec.SourceTag,
		TargetSinkID:           spec.TargetSinkID,
		TargetOutputChannels:   spec.TargetOutputChannels,
		TargetOutputSampleRate: spec.TargetOutputSampleRate,
		FramesPerChunk:         m.cfg.FramesPerChunk,
		DelayMs:                spec.DelayMs,
		Volume:                 spec.Volume,
		EQValues:               spec.EQValues,
		EQNormalization:        spec.EQNormalization,
		VolumeNormalization:    spec.VolumeNormalization,
		TimeshiftSec:           spec.TimeshiftSec,
		SpeakerLayoutsMap:      toDSPLayouts(spec.SpeakerLayoutsMap),
	}
	p := processor.New(procSpec, m.log, in, cmd, out, m.timeshiftMgr)

	entry := &pathEntry{spec: spec, instanceID: instanceID, in: in, cmd: cmd, out: out, proc: p}
	m.pathsByID[spec.PathID] = entry
	m.pathsByInstance[instanceID] = entry

	// static_delay_ms: the DSP delay_ms also doubles as this path's
	// desired jitter-buffer static delay floor, since spec's data model
	// names no separate field for it (see DESIGN.md).
	// Keyed by path_id, the same id the processor passes to
	// UpdateTimeshift.
	m.timeshiftMgr.RegisterProcessor(spec.PathID, spec.SourceTag, in, spec.DelayMs, spec.TimeshiftSec)

	go p.Run()
	return nil
}

func (m *Manager) RemoveSourcePath(pathID string) error {
	m.mu.Lock()
	entry, ok := m.pathsByID[pathID]
	if ok {
		delete(m.pathsByID, pathID)
		delete(m.pathsByInstance, entry.instanceID)
		if entry.sinkID != "" {
			if sink, ok := m.sinks[entry.sinkID]; ok {
				sink.mixer.Disconnect(pathID)
			}
		}
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("engine: unknown source path %q", pathID)
	}
	m.timeshiftMgr.UnregisterProcessor(pathID, entry.spec.SourceTag)
	entry.proc.Stop()
	return nil
}

func (m *Manager) UpdateSourcePathParameters(pathID string, updates processor.ParameterUpdates) error {
	m.mu.Lock()
	entry, ok := m.pathsByID[pathID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: unknown source path %q", pathID)
	}
	entry.cmd.TryPush(updates)
	return nil
}

func (m *Manager) AddSink(spec config.SinkSpec) error {
	snd, port, err := m.buildSender(spec)
	if err != nil {
		return err
	}
	if err := snd.Setup(); err != nil {
		if port != 0 {
			m.portAlloc.Release(context.Background(), port)
		}
		return fmt.Errorf("engine: sink %s: sender setup: %w", spec.SinkID, err)
	}

	mixCfg := mixer.Config{
		SinkID:         spec.SinkID,
		SampleRate:     spec.SampleRate,
		BitDepth:       spec.BitDepth,
		Channels:       spec.Channels,
		FramesPerChunk: m.cfg.FramesPerChunk,
		GracePeriod:    m.cfg.GracePeriodDuration(),
		UnderrunHold:   m.cfg.UnderrunHoldDuration(),
	}
	mx := mixer.New(mixCfg, m.log, snd)

	m.mu.Lock()
	m.sinks[spec.SinkID] = &sinkEntry{spec: spec, mixer: mx, sender: snd, port: port}
	for _, pathID := range spec.ConnectedSourcePathIDs {
		if entry, ok := m.pathsByID[pathID]; ok {
			mx.Connect(pathID, entry.out)
			entry.sinkID = spec.SinkID
		}
	}
	m.mu.Unlock()

	go mx.Run()
	return nil
}

func (m *Manager) RemoveSink(sinkID string) error {
	m.mu.Lock()
	entry, ok := m.sinks[sinkID]
	if ok {
		delete(m.sinks, sinkID)
		delete(m.signals, sinkID)
		for _, p := range m.pathsByID {
			if p.sinkID == sinkID {
				p.sinkID = ""
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: unknown sink %q", sinkID)
	}
	entry.mixer.Stop()
	if entry.port != 0 {
		m.portAlloc.Release(context.Background(), entry.port)
	}
	return entry.sender.Close()
}

func (m *Manager) ConnectSourceToSink(instanceID, sinkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.pathsByInstance[instanceID]
	if !ok {
		return fmt.Errorf("engine: unknown source instance %q", instanceID)
	}
	sink, ok := m.sinks[sinkID]
	if !ok {
		return fmt.Errorf("engine: unknown sink %q", sinkID)
	}
	sink.mixer.Connect(entry.spec.PathID, entry.out)
	entry.sinkID = sinkID
	return nil
}

func (m *Manager) DisconnectSourceFromSink(instanceID, sinkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.pathsByInstance[instanceID]
	if !ok {
		return fmt.Errorf("engine: unknown source instance %q", instanceID)
	}
	sink, ok := m.sinks[sinkID]
	if !ok {
		return fmt.Errorf("engine: unknown sink %q", sinkID)
	}
	sink.mixer.Disconnect(entry.spec.PathID)
	if entry.sinkID == sinkID {
		entry.sinkID = ""
	}
	return nil
}

// buildSender constructs the network sender for spec's protocol and, for
// RTP/WebRTC, the local UDP port internal/portpool allocated it; callers
// must release that port (if nonzero) once the sender is torn down.
func (m *Manager) buildSender(spec config.SinkSpec) (sender.Sender, int, error) {
	destAddr := fmt.Sprintf("%s:%d", spec.IP, spec.Port)
	switch spec.Protocol {
	case config.ProtocolLegacyScream:
		return sender.NewScreamSender(destAddr, spec.SampleRate, spec.BitDepth, spec.Channels, spec.ChLayout1, spec.ChLayout2), 0, nil
	case config.ProtocolRTP:
		port := m.allocatePort()
		rs := sender.NewRTPSender(destAddr, 97, newSSRC(), spec.SampleRate, spec.Channels, spec.BitDepth, port)
		if spec.MP3Enabled {
			rs.EnableMP3(14)
		}
		return rs, port, nil
	case config.ProtocolWebRTC:
		port := m.allocatePort()
		return sender.NewWebRTCSender(m.log, spec.SinkID, spec.Channels, spec.BitDepth, port, m.webrtcCallbacks(spec.SinkID)), port, nil
	default:
		return nil, 0, fmt.Errorf("engine: sink %s: unsupported protocol %q", spec.SinkID, spec.Protocol)
	}
}

// allocatePort draws one local UDP port from the shared pool, falling
// back to 0 (OS-assigned) if the pool is unavailable, matching this
// engine's general tolerance for Redis being a best-effort dependency.
func (m *Manager) allocatePort() int {
	port, err := m.portAlloc.Allocate(context.Background())
	if err != nil {
		m.log.Warnw("port pool allocate failed, falling back to OS-assigned port", "err", err)
		return 0
	}
	return port
}

// webrtcCallbacks wires a fresh webrtcSignal for sinkID and returns the
// SignalCallbacks a WebRTCSender drives it with: the local offer/ICE
// candidates are buffered for polling over HTTP (internal/httpapi), and
// OnCleanup hands the sink to cleanupRequester when one is set, or
// removes it directly with RemoveSink otherwise (spec §4.G's
// idle-in-terminal-state cleanup).
func (m *Manager) webrtcCallbacks(sinkID string) sender.SignalCallbacks {
	sig := &webrtcSignal{}
	m.mu.Lock()
	m.signals[sinkID] = sig
	m.mu.Unlock()

	return sender.SignalCallbacks{
		OnLocalDescription: func(sdp string) {
			sig.mu.Lock()
			sig.localSDP = sdp
			sig.mu.Unlock()
		},
		OnICECandidate: func(candidate, mid string) {
			sig.mu.Lock()
			sig.candidates = append(sig.candidates, ICECandidate{Candidate: candidate, Mid: mid})
			sig.mu.Unlock()
		},
		OnCleanup: func(listenerID string) {
			m.mu.Lock()
			requester := m.cleanupRequester
			m.mu.Unlock()
			if requester != nil {
				requester(listenerID)
				return
			}
			if err := m.RemoveSink(listenerID); err != nil {
				m.log.Warnw("webrtc cleanup: remove sink failed", "sink_id", listenerID, "err", err)
			}
		},
	}
}

// LocalOffer returns the SDP offer and buffered ICE candidates a WebRTC
// sink's sender has generated, for a signaling client to poll over
// GET /v1/sinks/:id/webrtc/offer.
func (m *Manager) LocalOffer(sinkID string) (sdp string, candidates []ICECandidate, ok bool) {
	m.mu.Lock()
	sig, exists := m.signals[sinkID]
	m.mu.Unlock()
	if !exists {
		return "", nil, false
	}
	sig.mu.Lock()
	defer sig.mu.Unlock()
	return sig.localSDP, append([]ICECandidate(nil), sig.candidates...), true
}

// SubmitRemoteAnswer applies a remote SDP answer to sinkID's WebRTC peer
// connection (POST /v1/sinks/:id/webrtc/answer).
func (m *Manager) SubmitRemoteAnswer(sinkID, sdp string) error {
	ws, err := m.webrtcSenderFor(sinkID)
	if err != nil {
		return err
	}
	return ws.SetRemoteDescription(sdp)
}

// SubmitRemoteICECandidate forwards a remote ICE candidate to sinkID's
// WebRTC peer connection (POST /v1/sinks/:id/webrtc/ice).
func (m *Manager) SubmitRemoteICECandidate(sinkID, candidate, mid string) error {
	ws, err := m.webrtcSenderFor(sinkID)
	if err != nil {
		return err
	}
	return ws.AddICECandidate(candidate, mid)
}

func (m *Manager) webrtcSenderFor(sinkID string) (*sender.WebRTCSender, error) {
	m.mu.Lock()
	entry, ok := m.sinks[sinkID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("engine: unknown sink %q", sinkID)
	}
	ws, ok := entry.sender.(*sender.WebRTCSender)
	if !ok {
		return nil, fmt.Errorf("engine: sink %q is not a webrtc sink", sinkID)
	}
	return ws, nil
}

// PollCleanup checks every live WebRTC sink for its idle-in-terminal-
// state timeout and, via its own SignalCallbacks.OnCleanup, queues it
// for the reconciler's cleanup (or removes it directly when no cleanup
// requester is set; see webrtcCallbacks) (spec §4.G). Intended to be called periodically by a ticker in
// cmd/engine/main.go.
func (m *Manager) PollCleanup() {
	m.mu.Lock()
	sinks := make([]*sinkEntry, 0, len(m.sinks))
	for _, s := range m.sinks {
		sinks = append(sinks, s)
	}
	m.mu.Unlock()

	for _, s := range sinks {
		if ws, ok := s.sender.(*sender.WebRTCSender); ok {
			ws.PollCleanup()
		}
	}
}

func toDSPLayouts(in map[int]config.LayoutSpec) map[int]dsp.LayoutSpec {
	if in == nil {
		return nil
	}
	out := make(map[int]dsp.LayoutSpec, len(in))
	for k, v := range in {
		out[k] = dsp.LayoutSpec{AutoMode: v.AutoMode, Matrix: v.Matrix}
	}
	return out
}

var ssrcCounter atomic.Uint32

// newSSRC mints a process-unique RTP SSRC for each new RTP sender
// (spec §4.G "SSRC fixed at session creation").
func newSSRC() uint32 {
	return ssrcCounter.Add(1) ^ 0xA5A50000
}
