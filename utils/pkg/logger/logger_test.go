package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStreamForge_Logger_FormatRFC3339Millis(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 3, 9, 7, 5, 1, 42_000_000, time.FixedZone("X", 3600))
	require.Equal(t, "2024-03-09T06:05:01.042Z", formatRFC3339Millis(ts))
}

func TestStreamForge_Logger_DropsEmptyStrings(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWithOptions(Options{Writer: &buf, NoColor: true})
	log.Info("iteration completed", "domain", "retail", "error", "")

	out := buf.String()
	require.Contains(t, out, "iteration completed")
	require.Contains(t, out, "domain=retail")
	require.NotContains(t, out, "error=")
}

func TestStreamForge_Logger_VerboseEnablesDebug(t *testing.T) {
	t.Parallel()

	var quiet, verbose bytes.Buffer
	NewWithOptions(Options{Writer: &quiet, NoColor: true}).Debug("hidden")
	NewWithOptions(Options{Writer: &verbose, NoColor: true, Verbose: true}).Debug("shown")

	require.Empty(t, quiet.String())
	require.Contains(t, verbose.String(), "shown")
}
