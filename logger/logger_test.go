package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetLoggerReturnsSingleton(t *testing.T) {
	first := GetLogger()
	second := GetLogger()
	require.Equal(t, first, second)

	// the logger must be usable without any environment configuration
	first.Debug().Str("test", "value").Msg("smoke")
}
