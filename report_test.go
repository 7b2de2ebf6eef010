package fragbench

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReport_Formula(t *testing.T) {
	initial := SizeSnapshot{Primary: 900_000, Secondary: 100_000, Log: 5_000_000}
	final := SizeSnapshot{Primary: 1_050_000, Secondary: 140_000, Other: 10_000, Log: 1}

	r := NewReport(initial, final, 1000, 11)
	assert.Equal(t, int64(1_000_000), r.InitialTotal)
	assert.Equal(t, int64(1_200_000), r.FinalTotal)
	assert.Equal(t, int64(200_000), r.Delta)
	assert.Equal(t, int64(11_000), r.ExpectedOverhead)
	assert.Equal(t, int64(1_189_000), r.EffectiveSize)
	assert.InDelta(t, 1.189, r.Factor, 1e-9)
}

func TestNewReport_ZeroInitial(t *testing.T) {
	r := NewReport(SizeSnapshot{}, SizeSnapshot{Primary: 10}, 0, 11)
	assert.Equal(t, 0.0, r.Factor)
	assert.Equal(t, int64(10), r.Delta)
}

func TestReport_Breakdown(t *testing.T) {
	r := NewReport(SizeSnapshot{Primary: 1, Secondary: 2, Log: 3, Other: 4}, SizeSnapshot{Primary: 5, Secondary: 6, Log: 7, Other: 8}, 0, 11)
	assert.Equal(t, []Breakdown{
		{CategoryPrimary, 1, 5},
		{CategorySecondary, 2, 6},
		{CategoryLog, 3, 7},
		{CategoryOther, 4, 8},
	}, r.Breakdown())
}

func TestReport_WriteText(t *testing.T) {
	r := NewReport(SizeSnapshot{Primary: 1 << 20}, SizeSnapshot{Primary: 3 << 20}, 2048, 11)
	var buf bytes.Buffer
	require.NoError(t, r.WriteText(&buf))
	out := buf.String()
	assert.Contains(t, out, "DB increased by 2 MB factor: 2.98\n")
	assert.Contains(t, out, "Expected tombstone size: 22 KB\n")
	assert.Contains(t, out, "Before: WAL: 0 Bytes, Primary: 1 MB, Secondary: 0 Bytes, Other: 0 Bytes\n")
}

func TestReport_WriteJSON(t *testing.T) {
	r := NewReport(SizeSnapshot{Primary: 100}, SizeSnapshot{Primary: 150, Secondary: 22}, 2, 11)
	r.Strategy = StrategyReplace
	r.Reduction = Multiplicative(0.5)

	var buf bytes.Buffer
	require.NoError(t, r.WriteJSON(&buf))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "replace", decoded["strategy"])
	assert.Equal(t, float64(172), decoded["final_total"])
	assert.Equal(t, float64(22), decoded["expected_overhead"])
	assert.Equal(t, 1.5, decoded["factor"])
	assert.Equal(t, "multiplicative", decoded["reduction"].(map[string]any)["kind"])
}
