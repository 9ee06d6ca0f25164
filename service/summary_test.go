package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gary0122g/EnergyGateway/api"
	"github.com/gary0122g/EnergyGateway/db"
	"github.com/gary0122g/EnergyGateway/device"
)

type fixedSource []api.Sample

func (s fixedSource) GetHarvests(sn string, limit int) ([]api.Sample, error) {
	if limit < len(s) {
		return s[:limit], nil
	}
	return s, nil
}

func TestSummarize(t *testing.T) {
	// newest first, as the archive returns them
	src := fixedSource{
		{MTS: 3, Registers: device.Registers{"power": 30.0, "sn": "SN1"}},
		{MTS: 2, Registers: device.Registers{"power": 20.0, "temp": 40.0}},
		{MTS: 1, Registers: device.Registers{"power": 10.0}},
	}

	summary, err := NewSummaryService(src).Summarize("SN1", 100, 4)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Samples)
	require.Equal(t, int64(1), summary.FromMTS)
	require.Equal(t, int64(3), summary.ToMTS)
	require.Len(t, summary.Registers, 2, "string registers are skipped")

	power := summary.Registers[0]
	require.Equal(t, "power", power.Register)
	require.Equal(t, 3, power.Count)
	require.Equal(t, 10.0, power.Min)
	require.Equal(t, 30.0, power.Max)
	require.Equal(t, 20.0, power.Mean)
	require.Equal(t, 30.0, power.Last)

	dist := power.Distribution
	require.Len(t, dist.Counts, 4)
	require.Equal(t, []int{1, 0, 1, 1}, dist.Counts)
	require.InDelta(t, 1.0, dist.PDF[0]+dist.PDF[1]+dist.PDF[2]+dist.PDF[3], 1e-9)
	require.Equal(t, "9.00", dist.Labels[0])

	temp := summary.Registers[1]
	require.Equal(t, 1, temp.Count)
	require.Equal(t, 1, temp.Distribution.Counts[0], "a single value has a unit bin width")
}

func TestSummarizeLimitAndDefaultBins(t *testing.T) {
	src := fixedSource{
		{MTS: 2, Registers: device.Registers{"a": 2.0}},
		{MTS: 1, Registers: device.Registers{"a": 1.0}},
	}
	summary, err := NewSummaryService(src).Summarize("SN1", 1, 0)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Samples)
	require.Equal(t, DefaultBinCount, summary.Registers[0].Distribution.BinCount)
}

func TestSummarizeWithoutSamples(t *testing.T) {
	_, err := NewSummaryService(fixedSource{}).Summarize("SN1", 10, 5)
	require.True(t, errors.Is(err, db.ErrNotFound))
}
