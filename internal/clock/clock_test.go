package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFixed(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := Fixed(at)
	require.Equal(t, at, clk.Now())
	require.Equal(t, at, clk.Now())
}
