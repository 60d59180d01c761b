package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTables_Embedded(t *testing.T) {
	tables, err := LoadTables("")
	require.NoError(t, err)

	assert.Equal(t, 1, tables.Version)
	assert.Equal(t, int64(5), tables.Scoring.HighValue)
	assert.Equal(t, int64(1), tables.Scoring.LowValue)
	assert.Equal(t, int64(1), tables.Scoring.Organic)
	assert.Equal(t, time.Hour, tables.Anomaly.Cooldown)
	assert.Equal(t, 20.0, tables.Anomaly.BatteryDrop.Threshold)
	assert.Equal(t, 10.0, tables.Anomaly.BatteryDrop.SeverityBase())
	assert.Equal(t, 24*time.Hour, tables.Insight.AnomalyLookback)
	require.NotEmpty(t, tables.Ranks)
	assert.Equal(t, int64(0), tables.Ranks[0].MinPoints)
}

func TestLoadTables_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tables.yaml")
	data := []byte(`
version: 7
scoring: {version: "2025.2", hv: 8, lv: 2, org: 1}
ranks:
  - {name: Bronze, min_points: 0}
  - {name: Silver, min_points: 50}
anomaly:
  cooldown: 30m
  fill_spike: {threshold: 25}
  battery_drop: {threshold: 15}
  weight_mismatch: {threshold: 0.1}
  deposit_surge: {factor: 2.5, min_deposits: 5}
insight: {low_usage_ratio: 0.4, high_fill_percent: 90, anomaly_lookback: 12h}
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	tables, err := LoadTables(path)
	require.NoError(t, err)

	assert.Equal(t, 7, tables.Version)
	assert.Equal(t, "2025.2", tables.Scoring.Version)
	assert.Equal(t, 30*time.Minute, tables.Anomaly.Cooldown)
	assert.Equal(t, 25.0, tables.Anomaly.FillSpike.SeverityBase(), "baseline falls back to threshold")
}

func TestLoadTables_MissingFile(t *testing.T) {
	_, err := LoadTables(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseTables_Invalid(t *testing.T) {
	base := `
scoring: {version: "v1", hv: 5, lv: 1, org: 1}
ranks: [{name: A, min_points: 0}, {name: B, min_points: 10}]
anomaly:
  cooldown: 1h
  fill_spike: {threshold: 30}
  battery_drop: {threshold: 20}
  weight_mismatch: {threshold: 0.1}
  deposit_surge: {factor: 3}
insight: {low_usage_ratio: 0.5, high_fill_percent: 80, anomaly_lookback: 1h}
`
	_, err := ParseTables([]byte(base))
	require.NoError(t, err)

	tests := []struct {
		name    string
		yaml    string
		message string
	}{
		{
			name:    "zero weight",
			yaml:    `scoring: {version: "v1", hv: 0, lv: 1, org: 1}`,
			message: "scoring weights",
		},
		{
			name:    "missing version",
			yaml:    `scoring: {hv: 5, lv: 1, org: 1}`,
			message: "scoring.version",
		},
		{
			name: "descending ranks",
			yaml: `
scoring: {version: "v1", hv: 5, lv: 1, org: 1}
ranks: [{name: A, min_points: 0}, {name: B, min_points: 10}, {name: C, min_points: 10}]`,
			message: "strictly ascending",
		},
		{
			name:    "malformed yaml",
			yaml:    `scoring: [`,
			message: "parse tables",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTables([]byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}
