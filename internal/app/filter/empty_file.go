package filter

import (
	"context"
)

// EmptyFileFilter rejects zero-byte files.
type EmptyFileFilter struct{}

func (f *EmptyFileFilter) Name() string {
	return "empty_file_filter"
}

func (f *EmptyFileFilter) Description() string {
	return "Rejects files with no content"
}

func (f *EmptyFileFilter) ReturnCodes() []string {
	return []string{"empty_file"}
}

func (f *EmptyFileFilter) ValidateConfig(settings map[string]any) error {
	return nil
}

func (f *EmptyFileFilter) AppliesTo(origin Origin) bool {
	return true
}

func (f *EmptyFileFilter) Check(ctx context.Context, u Upload) Result {
	if u.Size <= 0 && len(u.Data) == 0 {
		return Reject("empty_file")
	}
	return Accept()
}

func init() {
	Register("empty_file_filter", func() Filter {
		return &EmptyFileFilter{}
	})
}
