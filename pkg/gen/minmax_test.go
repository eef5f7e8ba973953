package gen

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClamp(t *testing.T) {
	require.Equal(t, 5, Clamp(10, 0, 5))
	require.Equal(t, 0, Clamp(-1, 0, 5))
	require.Equal(t, 2.5, Clamp(2.5, 0, 5))
	require.Equal(t, 30*time.Second, Clamp(time.Minute, time.Second, 30*time.Second))
}
