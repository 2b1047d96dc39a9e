package fsutil

import (
	"errors"
	"testing"

	"github.com/ruteri/tpm-vault/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"4096", 4096},
		{"100M", 100 * MiB},
		{"100m", 100 * MiB},
		{"2G", 2 * GiB},
		{"512k", 512 * KiB},
		{" 64M ", 64 * MiB},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSizeInvalid(t *testing.T) {
	for _, in := range []string{"", "M", "abc", "10X", "-5M", "0", "1.5G", "99999999999999999G"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseSize(in)
			assert.True(t, errors.Is(err, interfaces.ErrInvalidInput), "input %q", in)
		})
	}
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "100M", FormatSize(100*MiB))
	assert.Equal(t, "1G", FormatSize(GiB))
	assert.Equal(t, "1536M", FormatSize(1536*MiB))
	assert.Equal(t, "3K", FormatSize(3*KiB))
	assert.Equal(t, "1000", FormatSize(1000))
}
