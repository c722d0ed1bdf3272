package config

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/screamrouter/engine/internal/dsp"
	"github.com/screamrouter/engine/internal/processor"
	"github.com/screamrouter/engine/internal/queue"
	"github.com/screamrouter/engine/internal/telemetry"
)

// EngineFacade is the live-engine surface the Applier drives. The
// engine package implements this; config only depends on the interface,
// mirroring spec §4.H's "engine facade" indirection.
type EngineFacade interface {
	AddSourcePath(spec SourcePathSpec, instanceID string) error
	RemoveSourcePath(pathID string) error
	UpdateSourcePathParameters(pathID string, updates processor.ParameterUpdates) error

	AddSink(spec SinkSpec) error
	RemoveSink(sinkID string) error

	ConnectSourceToSink(instanceID, sinkID string) error
	DisconnectSourceFromSink(instanceID, sinkID string) error
}

type shadowPath struct {
	spec       SourcePathSpec
	instanceID string
}

// OpResult records one operation's outcome for the caller (spec §4.H
// "for each operation, log outcome").
type OpResult struct {
	Kind string // "remove_source_path", "add_sink", etc.
	ID   string
	Err  error
}

// Applier holds the shadow state of what is currently installed on the
// live engine and incrementally reconciles it against a desired state
// (spec §4.H).
type Applier struct {
	log    telemetry.Logger
	engine EngineFacade

	mu     sync.Mutex
	sinks  map[string]SinkSpec
	paths  map[string]shadowPath

	// pendingCleanup holds sink IDs a WebRTC sender's terminal-state
	// cleanup callback requested be torn down. Since such a callback can
	// fire synchronously from within an Apply call already holding mu
	// (e.g. triggered by closing a sender during removal), cleanup
	// requests are queued rather than recursively re-entering Apply; a
	// plain (non-recursive) Go mutex would deadlock on that reentrant
	// call, so this queue is the substitute spec §5 allows for
	// implementations without a recursive lock.
	pendingCleanup *queue.Queue[string]
}

// New builds an Applier with empty shadow state.
func New(log telemetry.Logger, engine EngineFacade) *Applier {
	return &Applier{
		log:            log,
		engine:         engine,
		sinks:          make(map[string]SinkSpec),
		paths:          make(map[string]shadowPath),
		pendingCleanup: queue.New[string](256, queue.DropOldest),
	}
}

// RequestSinkCleanup is the callback hook a WebRTC sender's terminal
// state invokes (spec §4.G "request cleanup", §5 reentrant callback
// note). Non-blocking.
func (a *Applier) RequestSinkCleanup(sinkID string) {
	a.pendingCleanup.TryPush(sinkID)
}

// DrainPendingCleanups removes any sinks queued via RequestSinkCleanup.
// The engine should call this periodically (it is also called at the
// start of every Apply).
func (a *Applier) DrainPendingCleanups() []OpResult {
	var results []OpResult
	for {
		sinkID, ok := a.pendingCleanup.TryPop()
		if !ok {
			break
		}
		a.mu.Lock()
		_, present := a.sinks[sinkID]
		a.mu.Unlock()
		if !present {
			continue
		}
		err := a.removeSink(sinkID)
		results = append(results, OpResult{Kind: "cleanup_remove_sink", ID: sinkID, Err: err})
	}
	return results
}

// Apply reconciles desired against the shadow, executing operations in
// spec §4.H's mandated order: remove source paths, remove sinks, add
// source paths, add sinks, update source paths (parametric), update
// sinks' connection diffs. A single operation's failure does not abort
// the rest of the cycle; the shadow reflects actual post-operation
// state.
func (a *Applier) Apply(desired DesiredEngineState) []OpResult {
	var results []OpResult
	results = append(results, a.DrainPendingCleanups()...)

	a.mu.Lock()
	defer a.mu.Unlock()

	desiredSinks := make(map[string]SinkSpec, len(desired.Sinks))
	for _, s := range desired.Sinks {
		desiredSinks[s.SinkID] = s
	}
	desiredPaths := make(map[string]SourcePathSpec, len(desired.SourcePaths))
	for _, p := range desired.SourcePaths {
		desiredPaths[p.PathID] = p
	}

	pathsToRemove, pathsToAdd, pathsToUpdate := diffPaths(a.paths, desiredPaths)
	sinksToRemove, sinksToAdd, sinksToReconnect := diffSinks(a.sinks, desiredSinks)

	// 1. Remove source paths.
	for _, pathID := range pathsToRemove {
		err := a.removeSourcePathLocked(pathID)
		results = append(results, OpResult{Kind: "remove_source_path", ID: pathID, Err: err})
	}

	// 2. Remove sinks.
	for _, sinkID := range sinksToRemove {
		err := a.removeSinkLocked(sinkID)
		results = append(results, OpResult{Kind: "remove_sink", ID: sinkID, Err: err})
	}

	// 3. Add source paths.
	for _, pathID := range pathsToAdd {
		spec := desiredPaths[pathID]
		instanceID := uuid.NewString()
		err := a.engine.AddSourcePath(spec, instanceID)
		if err == nil {
			a.paths[pathID] = shadowPath{spec: spec, instanceID: instanceID}
			// Re-attach to shadow sinks that already list this path (a
			// fundamental replace detached it from them in step 1).
			for sinkID, sink := range a.sinks {
				for _, connected := range sink.ConnectedSourcePathIDs {
					if connected == pathID {
						if cerr := a.engine.ConnectSourceToSink(instanceID, sinkID); cerr != nil {
							a.log.Warnw("reconnect on path add failed", "sink_id", sinkID, "path_id", pathID, "err", cerr)
						}
					}
				}
			}
		}
		results = append(results, OpResult{Kind: "add_source_path", ID: pathID, Err: err})
	}

	// 4. Add sinks (each reconciles its own connections against the
	// current path table immediately).
	for _, sinkID := range sinksToAdd {
		spec := desiredSinks[sinkID]
		if spec.Protocol == ProtocolSIPManaged {
			err := fmt.Errorf("sink %s: protocol SIP_MANAGED is not applied by this engine", sinkID)
			results = append(results, OpResult{Kind: "add_sink", ID: sinkID, Err: err})
			continue
		}
		err := a.engine.AddSink(spec)
		if err == nil {
			a.sinks[sinkID] = spec
			for _, pathID := range spec.ConnectedSourcePathIDs {
				if sp, ok := a.paths[pathID]; ok {
					if cerr := a.engine.ConnectSourceToSink(sp.instanceID, sinkID); cerr != nil {
						a.log.Warnw("connect on sink add failed", "sink_id", sinkID, "path_id", pathID, "err", cerr)
					}
				}
			}
		}
		results = append(results, OpResult{Kind: "add_sink", ID: sinkID, Err: err})
	}

	// 5. Update source paths (parametric).
	for _, pathID := range pathsToUpdate {
		sp := a.paths[pathID]
		newSpec := desiredPaths[pathID]
		updates := parametricDiff(sp.spec, newSpec)
		err := a.engine.UpdateSourcePathParameters(pathID, updates)
		if err == nil {
			a.paths[pathID] = shadowPath{spec: newSpec, instanceID: sp.instanceID}
		}
		results = append(results, OpResult{Kind: "update_source_path", ID: pathID, Err: err})
	}

	// 6. Update sinks' connection sets (symmetric difference).
	for _, sinkID := range sinksToReconnect {
		newSpec, stillDesired := desiredSinks[sinkID]
		oldSpec, wasShadowed := a.sinks[sinkID]
		if !stillDesired || !wasShadowed {
			continue
		}
		added, removed := connectionDiff(oldSpec.ConnectedSourcePathIDs, newSpec.ConnectedSourcePathIDs)
		for _, pathID := range added {
			if sp, ok := a.paths[pathID]; ok {
				if err := a.engine.ConnectSourceToSink(sp.instanceID, sinkID); err != nil {
					results = append(results, OpResult{Kind: "connect", ID: sinkID + "/" + pathID, Err: err})
					continue
				}
			}
			results = append(results, OpResult{Kind: "connect", ID: sinkID + "/" + pathID})
		}
		for _, pathID := range removed {
			if sp, ok := a.paths[pathID]; ok {
				if err := a.engine.DisconnectSourceFromSink(sp.instanceID, sinkID); err != nil {
					results = append(results, OpResult{Kind: "disconnect", ID: sinkID + "/" + pathID, Err: err})
					continue
				}
			}
			results = append(results, OpResult{Kind: "disconnect", ID: sinkID + "/" + pathID})
		}
		newSpec.Protocol = oldSpec.Protocol // connection-set reconciliation only; format is a fundamental field
		a.sinks[sinkID] = newSpec
	}

	return results
}

func (a *Applier) removeSourcePathLocked(pathID string) error {
	err := a.engine.RemoveSourcePath(pathID)
	delete(a.paths, pathID)
	return err
}

func (a *Applier) removeSinkLocked(sinkID string) error {
	err := a.engine.RemoveSink(sinkID)
	delete(a.sinks, sinkID)
	return err
}

// removeSink is the externally-lockable variant DrainPendingCleanups
// uses, since it is never called while a.mu is already held by this
// goroutine.
func (a *Applier) removeSink(sinkID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.removeSinkLocked(sinkID)
}

func diffPaths(shadow map[string]shadowPath, desired map[string]SourcePathSpec) (toRemove, toAdd, toUpdate []string) {
	for id, sp := range shadow {
		newSpec, ok := desired[id]
		if !ok {
			toRemove = append(toRemove, id)
			continue
		}
		if fundamentalPathChange(sp.spec, newSpec) {
			toRemove = append(toRemove, id)
			toAdd = append(toAdd, id)
			continue
		}
		if !parametricEqual(sp.spec, newSpec) {
			toUpdate = append(toUpdate, id)
		}
	}
	for id := range desired {
		if _, ok := shadow[id]; !ok {
			toAdd = append(toAdd, id)
		}
	}
	return
}

func diffSinks(shadow map[string]SinkSpec, desired map[string]SinkSpec) (toRemove, toAdd, toReconnect []string) {
	for id, old := range shadow {
		newSpec, ok := desired[id]
		if !ok {
			toRemove = append(toRemove, id)
			continue
		}
		if sinkFundamentalChange(old, newSpec) {
			toRemove = append(toRemove, id)
			toAdd = append(toAdd, id)
			continue
		}
		if !stringSetEqual(old.ConnectedSourcePathIDs, newSpec.ConnectedSourcePathIDs) {
			toReconnect = append(toReconnect, id)
		}
	}
	for id := range desired {
		if _, ok := shadow[id]; !ok {
			toAdd = append(toAdd, id)
		}
	}
	return
}

// sinkFundamentalChange is spec §4.H step 1: bit-exact comparison of
// format, address, encoding options.
func sinkFundamentalChange(a, b SinkSpec) bool {
	return a.Protocol != b.Protocol ||
		a.IP != b.IP ||
		a.Port != b.Port ||
		a.SampleRate != b.SampleRate ||
		a.BitDepth != b.BitDepth ||
		a.Channels != b.Channels ||
		a.ChLayout1 != b.ChLayout1 ||
		a.ChLayout2 != b.ChLayout2 ||
		a.MP3Enabled != b.MP3Enabled
}

// fundamentalPathChange is spec §4.H step 2's "Fundamental" tier:
// source_tag or target output channels/samplerate changed.
func fundamentalPathChange(a, b SourcePathSpec) bool {
	return a.SourceTag != b.SourceTag ||
		a.TargetOutputChannels != b.TargetOutputChannels ||
		a.TargetOutputSampleRate != b.TargetOutputSampleRate
}

// parametricEqual reports whether every parametric field is unchanged,
// using spec §4.H's ~100*epsilon float tolerance.
func parametricEqual(a, b SourcePathSpec) bool {
	if math.Abs(float64(a.Volume-b.Volume)) > floatTolerance {
		return false
	}
	for i := range a.EQValues {
		if math.Abs(float64(a.EQValues[i]-b.EQValues[i])) > floatTolerance {
			return false
		}
	}
	if a.EQNormalization != b.EQNormalization ||
		a.VolumeNormalization != b.VolumeNormalization ||
		a.DelayMs != b.DelayMs {
		return false
	}
	if math.Abs(a.TimeshiftSec-b.TimeshiftSec) > floatTolerance {
		return false
	}
	return layoutsEqual(a.SpeakerLayoutsMap, b.SpeakerLayoutsMap)
}

func layoutsEqual(a, b map[int]LayoutSpec) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || av.AutoMode != bv.AutoMode {
			return false
		}
		if !av.AutoMode {
			if len(av.Matrix) != len(bv.Matrix) {
				return false
			}
			for i := range av.Matrix {
				if len(av.Matrix[i]) != len(bv.Matrix[i]) {
					return false
				}
				for j := range av.Matrix[i] {
					if math.Abs(float64(av.Matrix[i][j]-bv.Matrix[i][j])) > floatTolerance {
						return false
					}
				}
			}
		}
	}
	return true
}

// parametricDiff builds a ParameterUpdates carrying only changed fields
// (spec §4.E "a parameter change never splits a chunk").
func parametricDiff(oldSpec, newSpec SourcePathSpec) processor.ParameterUpdates {
	var u processor.ParameterUpdates
	if math.Abs(float64(oldSpec.Volume-newSpec.Volume)) > floatTolerance {
		v := newSpec.Volume
		u.Volume = &v
	}
	eqChanged := false
	for i := range oldSpec.EQValues {
		if math.Abs(float64(oldSpec.EQValues[i]-newSpec.EQValues[i])) > floatTolerance {
			eqChanged = true
			break
		}
	}
	if eqChanged {
		eq := newSpec.EQValues
		u.EQValues = &eq
	}
	if oldSpec.EQNormalization != newSpec.EQNormalization {
		v := newSpec.EQNormalization
		u.EQNormalization = &v
	}
	if oldSpec.VolumeNormalization != newSpec.VolumeNormalization {
		v := newSpec.VolumeNormalization
		u.VolumeNormAGC = &v
	}
	if oldSpec.DelayMs != newSpec.DelayMs {
		v := newSpec.DelayMs
		u.DelayMs = &v
	}
	if math.Abs(oldSpec.TimeshiftSec-newSpec.TimeshiftSec) > floatTolerance {
		v := newSpec.TimeshiftSec
		u.TimeshiftSec = &v
	}
	if !layoutsEqual(oldSpec.SpeakerLayoutsMap, newSpec.SpeakerLayoutsMap) {
		u.SpeakerLayoutsMap = toDSPLayouts(newSpec.SpeakerLayoutsMap)
	}
	return u
}

// toDSPLayouts converts the configuration surface's LayoutSpec into the
// dsp package's identically-shaped type.
func toDSPLayouts(in map[int]LayoutSpec) map[int]dsp.LayoutSpec {
	if in == nil {
		return nil
	}
	out := make(map[int]dsp.LayoutSpec, len(in))
	for k, v := range in {
		out[k] = dsp.LayoutSpec{AutoMode: v.AutoMode, Matrix: v.Matrix}
	}
	return out
}

func connectionDiff(before, after []string) (added, removed []string) {
	oldSet := make(map[string]struct{}, len(before))
	for _, id := range before {
		oldSet[id] = struct{}{}
	}
	newSet := make(map[string]struct{}, len(after))
	for _, id := range after {
		newSet[id] = struct{}{}
	}
	for id := range newSet {
		if _, ok := oldSet[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range oldSet {
		if _, ok := newSet[id]; !ok {
			removed = append(removed, id)
		}
	}
	return
}

func stringSetEqual(a, b []string) bool {
	added, removed := connectionDiff(a, b)
	return len(added) == 0 && len(removed) == 0
}
