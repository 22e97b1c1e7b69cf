package peerid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestString_RendersIPColonPort(t *testing.T) {
	id := ID{IP: "10.0.0.5", Port: 6000}
	require.Equal(t, "10.0.0.5:6000", id.String())
}

func TestLess_OrdersByLexicographicStringForm(t *testing.T) {
	lower := ID{IP: "10.0.0.1", Port: 6000}
	higher := ID{IP: "10.0.0.2", Port: 6000}

	require.True(t, lower.Less(higher))
	require.False(t, higher.Less(lower))
	require.False(t, lower.Less(lower))
}

func TestLess_SameIPOrdersByPort(t *testing.T) {
	a := ID{IP: "10.0.0.1", Port: 6000}
	b := ID{IP: "10.0.0.1", Port: 6001}

	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
}
