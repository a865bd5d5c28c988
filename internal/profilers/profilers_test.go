package profilers

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHostInfo(t *testing.T) {
	info := HostInfo()
	require.Contains(t, info, "logical cores")
	require.Contains(t, info, "acceleration: ")
}
