// Package config implements spec §4.H's configuration applier: it turns
// a declarative DesiredEngineState into incremental add/remove/update
// operations against the live engine, keeping a shadow copy of what is
// currently applied so repeated calls are idempotent.
package config

// Protocol is a sink's wire protocol (spec §3 "Sink").
type Protocol string

const (
	ProtocolLegacyScream Protocol = "LEGACY_SCREAM"
	ProtocolRTP          Protocol = "RTP"
	ProtocolWebRTC       Protocol = "WEBRTC"
	ProtocolSIPManaged   Protocol = "SIP_MANAGED"
)

// LayoutSpec mirrors spec §3's per-input-channel-count remap entry.
type LayoutSpec struct {
	AutoMode bool        `json:"auto_mode" mapstructure:"auto_mode"`
	Matrix   [][]float32 `json:"matrix,omitempty" mapstructure:"matrix"`
}

// SinkSpec is spec §6's SinkSpec.
type SinkSpec struct {
	SinkID                 string   `json:"sink_id" mapstructure:"sink_id" validate:"required"`
	Protocol               Protocol `json:"protocol" mapstructure:"protocol" validate:"required,oneof=LEGACY_SCREAM RTP WEBRTC SIP_MANAGED"`
	IP                     string   `json:"ip" mapstructure:"ip"`
	Port                   int      `json:"port" mapstructure:"port" validate:"gte=0,lte=65535"`
	SampleRate             int      `json:"samplerate" mapstructure:"samplerate" validate:"required,gt=0"`
	BitDepth               int      `json:"bitdepth" mapstructure:"bitdepth" validate:"required,oneof=8 16 24 32"`
	Channels               int      `json:"channels" mapstructure:"channels" validate:"required,gte=1,lte=64"`
	ChLayout1              byte     `json:"chlayout1" mapstructure:"chlayout1"`
	ChLayout2              byte     `json:"chlayout2" mapstructure:"chlayout2"`
	MP3Enabled             bool     `json:"mp3_enabled" mapstructure:"mp3_enabled"`
	ConnectedSourcePathIDs []string `json:"connected_source_path_ids" mapstructure:"connected_source_path_ids"`
}

// SourcePathSpec is spec §6's SourcePathSpec.
type SourcePathSpec struct {
	PathID                 string                `json:"path_id" mapstructure:"path_id" validate:"required"`
	SourceTag              string                `json:"source_tag" mapstructure:"source_tag" validate:"required"`
	TargetSinkID           string                `json:"target_sink_id" mapstructure:"target_sink_id" validate:"required"`
	Volume                 float32               `json:"volume" mapstructure:"volume" validate:"gte=0"`
	EQValues               [18]float32           `json:"eq_values" mapstructure:"eq_values"`
	EQNormalization        bool                  `json:"eq_normalization" mapstructure:"eq_normalization"`
	VolumeNormalization    bool                  `json:"volume_normalization" mapstructure:"volume_normalization"`
	DelayMs                int                   `json:"delay_ms" mapstructure:"delay_ms" validate:"gte=0"`
	TimeshiftSec           float64               `json:"timeshift_sec" mapstructure:"timeshift_sec"`
	SpeakerLayoutsMap      map[int]LayoutSpec    `json:"speaker_layouts_map" mapstructure:"speaker_layouts_map"`
	TargetOutputChannels   int                   `json:"target_output_channels" mapstructure:"target_output_channels" validate:"required,gte=1,lte=64"`
	TargetOutputSampleRate int                   `json:"target_output_samplerate" mapstructure:"target_output_samplerate" validate:"required,gt=0"`
}

// DesiredEngineState is spec §6's top-level configuration surface, the
// sole argument to Applier.Apply.
type DesiredEngineState struct {
	Sinks       []SinkSpec       `json:"sinks" mapstructure:"sinks" validate:"dive"`
	SourcePaths []SourcePathSpec `json:"source_paths" mapstructure:"source_paths" validate:"dive"`
}

// floatTolerance is the "~100*epsilon" parametric-vs-fundamental
// comparison tolerance spec §4.H names for float fields.
const floatTolerance = 100 * 1.1920929e-7 // 100 * float32 epsilon
