package filter

import (
	"context"

	"github.com/dustin/go-humanize"
	zlog "github.com/rs/zerolog/log"
)

// SizeLimitConfig represents the configuration for SizeLimitFilter.
type SizeLimitConfig struct {
	MaxBytes int64 `yaml:"max_bytes" mapstructure:"max_bytes" default:"104857600" validate:"gt=0"`
}

// SizeLimitFilter rejects files larger than a configured size.
type SizeLimitFilter struct {
	config *SizeLimitConfig
}

// NewSizeLimitFilter creates a new size limit filter.
func NewSizeLimitFilter() *SizeLimitFilter {
	return &SizeLimitFilter{}
}

func (f *SizeLimitFilter) Name() string {
	return "size_limit_filter"
}

func (f *SizeLimitFilter) Description() string {
	return "Rejects files larger than max_bytes"
}

func (f *SizeLimitFilter) ReturnCodes() []string {
	return []string{"file_too_large"}
}

func (f *SizeLimitFilter) ValidateConfig(settings map[string]any) error {
	var config SizeLimitConfig
	if err := decodeSettings(settings, &config); err != nil {
		return err
	}
	f.config = &config
	zlog.Info().Msgf("size limit filter config: max=%s", humanize.IBytes(uint64(config.MaxBytes)))
	return nil
}

func (f *SizeLimitFilter) AppliesTo(origin Origin) bool {
	return true
}

func (f *SizeLimitFilter) Check(ctx context.Context, u Upload) Result {
	// If config is not set, accept all files
	if f.config == nil {
		return Accept()
	}

	size := u.Size
	if size == 0 {
		size = int64(len(u.Data))
	}
	if size > f.config.MaxBytes {
		return Reject("file_too_large")
	}
	return Accept()
}

func init() {
	Register("size_limit_filter", func() Filter {
		return &SizeLimitFilter{}
	})
}
