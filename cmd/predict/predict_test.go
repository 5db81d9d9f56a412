package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/classpie/pkg/tally"
	"github.com/stretchr/testify/require"
)

func TestRecountLabels(t *testing.T) {
	dir := t.TempDir()
	labelsFile := filepath.Join(dir, "labels.json")
	require.NoError(t, os.WriteFile(labelsFile, []byte(`{
		"classes": ["ulnua", "ulnua_krank", "cat"],
		"frames": [
			{"frame": 0, "objects": [{"class": 0, "confidence": 0.9}]},
			{"frame": 1, "objects": [{"class": 0, "confidence": 0.3}, {"class": 1, "confidence": 0.8}]},
			{"frame": 2, "objects": [{"class": 0, "confidence": 0.6}]},
			{"frame": 3, "objects": [{"class": 2, "confidence": 0.9}]},
			{"frame": 5, "objects": [{"class": 0, "confidence": 0.7}]}
		]
	}`), 0644))

	counts, err := recountLabels(labelsFile)
	require.NoError(t, err)
	require.Equal(t, 3, counts.Get(tally.Ulnua))
	require.Equal(t, 1, counts.Get(tally.UlnuaKrank))
	require.Equal(t, 4, counts.Total())

	chart := filepath.Join(dir, "chart.png")
	require.NoError(t, writeChart(chart, counts, 400, 300))
	st, err := os.Stat(chart)
	require.NoError(t, err)
	require.NotZero(t, st.Size())

	require.NoError(t, os.WriteFile(labelsFile, []byte("not json"), 0644))
	_, err = recountLabels(labelsFile)
	require.Error(t, err)
}
