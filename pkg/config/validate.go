package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/buslink/buslink/pkg/busdata"
)

var validate = validator.New()

// Validate checks struct tags via go-playground/validator and the
// downward-only constraint on LimitsConfig that validator's tag syntax
// can't express on its own (the ceiling is a package constant, not a
// literal).
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if uint64(cfg.Limits.MaxMessageLength) > busdata.MaxMessageBytes {
		return fmt.Errorf("limits.max_message_length (%d) exceeds the wire format's hard ceiling (%d)",
			cfg.Limits.MaxMessageLength, busdata.MaxMessageBytes)
	}
	if uint64(cfg.Limits.MaxArrayLength) > busdata.MaxArrayBytes {
		return fmt.Errorf("limits.max_array_length (%d) exceeds the wire format's hard ceiling (%d)",
			cfg.Limits.MaxArrayLength, busdata.MaxArrayBytes)
	}
	return nil
}
