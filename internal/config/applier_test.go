package config_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screamrouter/engine/internal/config"
	"github.com/screamrouter/engine/internal/processor"
	"github.com/screamrouter/engine/internal/telemetry"
)

type fakeEngine struct {
	mu          sync.Mutex
	addedPaths  map[string]config.SourcePathSpec
	addedSinks  map[string]config.SinkSpec
	connections map[string]map[string]bool // sinkID -> instanceID -> connected
	updates     []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		addedPaths:  make(map[string]config.SourcePathSpec),
		addedSinks:  make(map[string]config.SinkSpec),
		connections: make(map[string]map[string]bool),
	}
}

func (f *fakeEngine) AddSourcePath(spec config.SourcePathSpec, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addedPaths[spec.PathID] = spec
	return nil
}

func (f *fakeEngine) RemoveSourcePath(pathID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.addedPaths, pathID)
	return nil
}

func (f *fakeEngine) UpdateSourcePathParameters(pathID string, updates processor.ParameterUpdates) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, pathID)
	return nil
}

func (f *fakeEngine) AddSink(spec config.SinkSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addedSinks[spec.SinkID] = spec
	f.connections[spec.SinkID] = make(map[string]bool)
	return nil
}

func (f *fakeEngine) RemoveSink(sinkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.addedSinks, sinkID)
	delete(f.connections, sinkID)
	return nil
}

func (f *fakeEngine) ConnectSourceToSink(instanceID, sinkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connections[sinkID] == nil {
		f.connections[sinkID] = make(map[string]bool)
	}
	f.connections[sinkID][instanceID] = true
	return nil
}

func (f *fakeEngine) DisconnectSourceFromSink(instanceID, sinkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.connections[sinkID], instanceID)
	return nil
}

func baseState() config.DesiredEngineState {
	return config.DesiredEngineState{
		SourcePaths: []config.SourcePathSpec{
			{
				PathID: "path-1", SourceTag: "tag-a", TargetSinkID: "sink-1",
				Volume: 1.0, TargetOutputChannels: 2, TargetOutputSampleRate: 48000,
			},
		},
		Sinks: []config.SinkSpec{
			{
				SinkID: "sink-1", Protocol: config.ProtocolRTP, IP: "127.0.0.1", Port: 4010,
				SampleRate: 48000, BitDepth: 16, Channels: 2,
				ConnectedSourcePathIDs: []string{"path-1"},
			},
		},
	}
}

func TestApplyAddsSourcePathAndSinkThenConnects(t *testing.T) {
	eng := newFakeEngine()
	a := config.New(telemetry.NewNop(), eng)

	results := a.Apply(baseState())
	for _, r := range results {
		require.NoError(t, r.Err, r.Kind)
	}

	require.Contains(t, eng.addedPaths, "path-1")
	require.Contains(t, eng.addedSinks, "sink-1")
	assert.Len(t, eng.connections["sink-1"], 1)
}

func TestApplyIsIdempotent(t *testing.T) {
	eng := newFakeEngine()
	a := config.New(telemetry.NewNop(), eng)

	a.Apply(baseState())
	before := len(eng.addedSinks) + len(eng.addedPaths)

	results := a.Apply(baseState())
	for _, r := range results {
		assert.NoError(t, r.Err, r.Kind)
	}
	assert.Equal(t, before, len(eng.addedSinks)+len(eng.addedPaths))
	assert.Empty(t, eng.updates, "no parametric changes on a repeat apply with identical state")
}

func TestApplyRemovesSinkWithoutDisturbingOtherSinks(t *testing.T) {
	eng := newFakeEngine()
	a := config.New(telemetry.NewNop(), eng)

	state := baseState()
	state.Sinks = append(state.Sinks, config.SinkSpec{
		SinkID: "sink-2", Protocol: config.ProtocolRTP, IP: "127.0.0.1", Port: 4011,
		SampleRate: 48000, BitDepth: 16, Channels: 2,
		ConnectedSourcePathIDs: []string{"path-1"},
	})
	a.Apply(state)
	require.Contains(t, eng.addedSinks, "sink-2")

	state.Sinks = state.Sinks[:1] // remove sink-2
	a.Apply(state)

	assert.NotContains(t, eng.addedSinks, "sink-2")
	assert.Contains(t, eng.addedSinks, "sink-1")
}

func TestApplyRejectsSIPManagedSinkWithoutAbortingRestOfCycle(t *testing.T) {
	eng := newFakeEngine()
	a := config.New(telemetry.NewNop(), eng)

	state := baseState()
	state.Sinks = append(state.Sinks, config.SinkSpec{
		SinkID: "sip-sink", Protocol: config.ProtocolSIPManaged,
		ConnectedSourcePathIDs: []string{"path-1"},
	})

	results := a.Apply(state)
	var sawSIPError bool
	for _, r := range results {
		if r.ID == "sip-sink" {
			sawSIPError = r.Err != nil
		}
	}
	assert.True(t, sawSIPError)
	assert.Contains(t, eng.addedSinks, "sink-1", "the rest of the cycle still applied")
	assert.NotContains(t, eng.addedSinks, "sip-sink")
}

func TestApplyVolumeChangeIsParametricNotAFundamentalReplace(t *testing.T) {
	eng := newFakeEngine()
	a := config.New(telemetry.NewNop(), eng)

	a.Apply(baseState())

	state := baseState()
	state.SourcePaths[0].Volume = 0.5
	a.Apply(state)

	assert.Contains(t, eng.updates, "path-1")
}

func TestApplySourceTagChangeIsFundamentalReplace(t *testing.T) {
	eng := newFakeEngine()
	a := config.New(telemetry.NewNop(), eng)

	a.Apply(baseState())

	state := baseState()
	state.SourcePaths[0].SourceTag = "tag-b"
	results := a.Apply(state)

	var sawAdd, sawRemove bool
	for _, r := range results {
		if r.Kind == "add_source_path" && r.ID == "path-1" {
			sawAdd = true
		}
		if r.Kind == "remove_source_path" && r.ID == "path-1" {
			sawRemove = true
		}
	}
	assert.True(t, sawRemove)
	assert.True(t, sawAdd)
}
