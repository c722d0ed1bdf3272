package config

import "github.com/go-playground/validator/v10"

var structValidator = validator.New()

// Validate checks a DesiredEngineState against the struct tags on
// SinkSpec/SourcePathSpec before it reaches Apply (spec §4.H "validation
// of externally supplied structured values"). Per-item reconciliation
// failures inside Apply are reported per-operation instead; Validate
// exists to reject a malformed payload outright, before any diffing.
func Validate(desired DesiredEngineState) error {
	return structValidator.Struct(desired)
}
