package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/offlinefarm/dispatcher/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSchedules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: wikipedia_en_all
enabled: true
periodicity: monthly
context: large
config:
  offliner: mwoffliner
  resources: {cpu: 3, memory: 10737418240, disk: 214748364800}
  flags:
    mwUrl: https://en.wikipedia.org
---
name: ted_fr
periodicity: manual
config:
  offliner: ted
`), 0o644))

	schedules, err := readSchedules(path)
	require.NoError(t, err)
	require.Len(t, schedules, 2)

	assert.Equal(t, "wikipedia_en_all", schedules[0].Name)
	assert.True(t, schedules[0].Enabled)
	assert.Equal(t, types.PeriodicityMonthly, schedules[0].Periodicity)
	assert.Equal(t, 3, schedules[0].Config.Resources.CPU)
	assert.Equal(t, "https://en.wikipedia.org", schedules[0].Config.Flags["mwUrl"])
	assert.False(t, schedules[1].Enabled)
}

func TestReadSchedulesRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"unknown field", "name: x\nperiodicty: monthly\n"},
		{"not a mapping", "- a\n- b\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "s.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))
			_, err := readSchedules(path)
			require.Error(t, err)
			assert.True(t, errdefs.IsInvalidArgument(err), "got %v", err)
		})
	}
}

func TestJSONValue(t *testing.T) {
	tests := []struct {
		in       string
		expected interface{}
	}{
		{"42", float64(42)},
		{"true", true},
		{`{"a":1}`, map[string]interface{}{"a": float64(1)}},
		{"running", "running"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.expected, jsonValue(tt.in))
		})
	}
}
