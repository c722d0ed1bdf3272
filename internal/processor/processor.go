// Package processor implements spec §4.E's per-(source,sink) input
// processor: one goroutine per path_id running the DSP chain from
// jitter-buffered packets to fixed-size processed chunks for its target
// sink's mixer.
package processor

import (
	"sync"

	"github.com/screamrouter/engine/internal/audiopkt"
	"github.com/screamrouter/engine/internal/dsp"
	"github.com/screamrouter/engine/internal/queue"
	"github.com/screamrouter/engine/internal/telemetry"
)

// ProcessedChunk is the fixed-size output spec §4.E's contract names:
// 32-bit internal sample format, target_output_samplerate/channels.
type ProcessedChunk struct {
	PathID  string
	Samples [][]float32 // per channel, length == FramesPerChunk
}

// ParameterUpdates mirrors spec §4.E's SourceParameterUpdates; nil
// fields mean "leave unchanged". Applied between chunks only.
type ParameterUpdates struct {
	Volume             *float32
	EQValues           *[dsp.EQBandCount]float32
	EQNormalization    *bool
	VolumeNormAGC      *bool
	DelayMs            *int
	TimeshiftSec       *float64
	SpeakerLayoutsMap  map[int]dsp.LayoutSpec
}

// TimeshiftNotifier lets the processor forward timeshift_sec changes to
// the timeshift manager (spec §4.E "forwarded to the timeshift manager
// which re-seeks read_index").
type TimeshiftNotifier interface {
	UpdateTimeshift(processorID, sourceTag string, timeshiftSec float64)
}

// Spec is a path's static configuration at processor construction time
// (spec §3 "Source path"). Mutable fields travel via ParameterUpdates.
type Spec struct {
	PathID               string
	SourceTag            string
	TargetSinkID         string
	TargetOutputChannels int
	TargetOutputSampleRate int
	FramesPerChunk       int
	DelayMs              int
	Volume               float32
	EQValues             [dsp.EQBandCount]float32
	EQNormalization      bool
	VolumeNormalization  bool
	TimeshiftSec         float64
	SpeakerLayoutsMap    map[int]dsp.LayoutSpec
}

// Processor runs one path's DSP chain.
type Processor struct {
	spec Spec
	log  telemetry.Logger

	in       *queue.Queue[audiopkt.Packet]
	cmdQueue *queue.Queue[ParameterUpdates]
	out      *queue.Queue[ProcessedChunk]
	tsNotify TimeshiftNotifier

	mu          sync.Mutex
	resampler   *dsp.Resampler
	resamplerIn int
	delay       *dsp.DelayLine
	delayMs     int
	eq          *dsp.EQ
	volume      *dsp.VolumeControl
	framer      *dsp.Framer
	layouts     map[int]dsp.LayoutSpec

	lastFormatWarned bool
	stopCh           chan struct{}
	doneCh           chan struct{}
}

// New constructs a Processor; call Run to start its goroutine.
func New(spec Spec, log telemetry.Logger, in *queue.Queue[audiopkt.Packet], cmdQueue *queue.Queue[ParameterUpdates], out *queue.Queue[ProcessedChunk], tsNotify TimeshiftNotifier) *Processor {
	p := &Processor{
		spec:     spec,
		log:      log,
		in:       in,
		cmdQueue: cmdQueue,
		out:      out,
		tsNotify: tsNotify,
		delayMs:  spec.DelayMs,
		layouts:  spec.SpeakerLayoutsMap,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	p.volume = dsp.NewVolumeControl(0.02)
	p.volume.SetVolume(spec.Volume)
	p.volume.SetNormalization(spec.VolumeNormalization, 0.2, 0.3, 0.01)
	p.eq = dsp.NewEQ(float64(spec.TargetOutputSampleRate), spec.TargetOutputChannels)
	p.eq.SetGains(spec.EQValues, spec.EQNormalization)
	p.delay = dsp.NewDelayLine(spec.TargetOutputSampleRate, spec.TargetOutputChannels, spec.DelayMs)
	p.framer = dsp.NewFramer(spec.TargetOutputChannels, spec.FramesPerChunk)
	return p
}

// Run drains the jitter-buffer input queue and the command queue,
// pushing processed chunks downstream, until Stop is called. Intended to
// run in its own goroutine (spec §5 "one thread per path_id").
func (p *Processor) Run() {
	defer close(p.doneCh)
	for {
		if upd, ok := p.cmdQueue.TryPop(); ok {
			p.applyUpdate(upd)
		}

		select {
		case <-p.stopCh:
			return
		default:
		}

		pkt, ok := p.in.Pop()
		if !ok {
			return
		}
		p.processPacket(pkt)
	}
}

func (p *Processor) applyUpdate(u ParameterUpdates) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if u.Volume != nil {
		p.volume.SetVolume(*u.Volume)
	}
	if u.EQNormalization != nil {
		p.spec.EQNormalization = *u.EQNormalization
	}
	if u.EQValues != nil {
		p.spec.EQValues = *u.EQValues
	}
	if u.EQValues != nil || u.EQNormalization != nil {
		p.eq.SetGains(p.spec.EQValues, p.spec.EQNormalization)
	}
	if u.VolumeNormAGC != nil {
		p.volume.SetNormalization(*u.VolumeNormAGC, 0.2, 0.3, 0.01)
	}
	if u.DelayMs != nil {
		p.delayMs = *u.DelayMs
		p.delay.SetDelayMs(*u.DelayMs)
	}
	if u.SpeakerLayoutsMap != nil {
		p.layouts = u.SpeakerLayoutsMap
	}
	if u.TimeshiftSec != nil {
		p.spec.TimeshiftSec = *u.TimeshiftSec
		if p.tsNotify != nil {
			p.tsNotify.UpdateTimeshift(p.spec.PathID, p.spec.SourceTag, *u.TimeshiftSec)
		}
	}
}

func (p *Processor) processPacket(pkt audiopkt.Packet) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pkt.Channels == 0 || (pkt.BitDepth != 8 && pkt.BitDepth != 16 && pkt.BitDepth != 24 && pkt.BitDepth != 32) {
		if !p.lastFormatWarned {
			p.log.Warnw("unsupported input format, emitting silence", "source_tag", pkt.SourceTag)
			p.lastFormatWarned = true
		}
		p.emitSilence()
		return
	}
	p.lastFormatWarned = false

	chans := dsp.Decode(pkt.Audio, pkt.Channels, pkt.BitDepth)

	layout := p.layouts[pkt.Channels]
	chans = dsp.RemapFrames(chans, layout, p.spec.TargetOutputChannels)

	if p.resampler == nil || p.resamplerIn != pkt.SampleRate {
		p.resampler = dsp.NewResampler(pkt.SampleRate, p.spec.TargetOutputSampleRate, p.spec.TargetOutputChannels)
		p.resamplerIn = pkt.SampleRate
	}
	chans = p.resampler.Process(chans)

	chans = p.delay.Process(chans)
	chans = p.eq.Process(chans)
	chans = p.volume.Process(chans)

	for _, chunk := range p.framer.Push(chans) {
		p.out.TryPush(ProcessedChunk{PathID: p.spec.PathID, Samples: chunk})
	}
}

func (p *Processor) emitSilence() {
	silence := make([][]float32, p.spec.TargetOutputChannels)
	for c := range silence {
		silence[c] = make([]float32, p.spec.FramesPerChunk)
	}
	p.out.TryPush(ProcessedChunk{PathID: p.spec.PathID, Samples: silence})
}

// Stop requests the processor's goroutine exit and waits for it.
func (p *Processor) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	p.in.Stop()
	<-p.doneCh
}
