package utils

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrite_AddsSequenceNumberAndTimestampPerLine(t *testing.T) {
	var out bytes.Buffer
	li := NewLogInterceptor(&out)

	_, err := li.Write([]byte("first\nsecond\n"))
	require.NoError(t, err)

	s := out.String()
	require.Contains(t, s, "line=1")
	require.Contains(t, s, "line=2")
	require.Contains(t, s, "first")
	require.Contains(t, s, "second")
}

func TestClose_FlushesUnterminatedFinalLine(t *testing.T) {
	var out bytes.Buffer
	li := NewLogInterceptor(&out)

	_, err := li.Write([]byte("no newline yet"))
	require.NoError(t, err)
	require.Empty(t, out.String(), "a line without a trailing newline should stay buffered until Close")

	require.NoError(t, li.Close())
	require.Contains(t, out.String(), "no newline yet")
}
