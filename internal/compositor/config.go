package compositor

import (
	"errors"
	"fmt"
	"time"

	"github.com/edirooss/zmux-mixer/internal/domain/media"
)

type Config struct {
	PreferredCodec media.Codec `yaml:"preferred_codec" split_words:"true"`
	// MinSlots pre-allocates compositor positions so scenes with fewer slots
	// switch in place.
	MinSlots      int           `yaml:"min_slots" split_words:"true"`
	BitrateKbps   int           `yaml:"bitrate_kbps" split_words:"true"` // 0 picks by output class
	StartTimeout  time.Duration `yaml:"start_timeout" split_words:"true"`
	StopTimeout   time.Duration `yaml:"stop_timeout" split_words:"true"`
	SwitchTimeout time.Duration `yaml:"switch_timeout" split_words:"true"`
	MaxRecoveries int           `yaml:"max_recoveries" split_words:"true"`
}

func DefaultConfig() Config {
	return Config{
		PreferredCodec: media.CodecH264,
		MinSlots:       4,
		StartTimeout:   10 * time.Second,
		StopTimeout:    5 * time.Second,
		SwitchTimeout:  10 * time.Second,
		MaxRecoveries:  3,
	}
}

func (c Config) Validate() error {
	var errs []error
	if !c.PreferredCodec.Valid() {
		errs = append(errs, fmt.Errorf("preferred_codec %q: unknown", c.PreferredCodec))
	}
	if c.MinSlots < 1 {
		errs = append(errs, errors.New("min_slots: must be at least 1"))
	}
	if c.BitrateKbps < 0 {
		errs = append(errs, errors.New("bitrate_kbps: negative"))
	}
	if c.StartTimeout <= 0 || c.StopTimeout <= 0 || c.SwitchTimeout <= 0 {
		errs = append(errs, errors.New("start_timeout, stop_timeout and switch_timeout must be positive"))
	}
	if c.MaxRecoveries < 0 {
		errs = append(errs, errors.New("max_recoveries: negative"))
	}
	return errors.Join(errs...)
}
