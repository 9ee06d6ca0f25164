package service

import (
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/xerrors"

	"github.com/gary0122g/EnergyGateway/api"
	"github.com/gary0122g/EnergyGateway/db"
)

// DefaultBinCount is used when a summary asks for no bins
const DefaultBinCount = 10

// Distribution is a histogram of register values
type Distribution struct {
	BinCount int       `json:"bin_count"`
	Min      float64   `json:"min"`
	Max      float64   `json:"max"`
	BinWidth float64   `json:"bin_width"`
	Counts   []int     `json:"counts"`
	PDF      []float64 `json:"pdf"`
	Labels   []string  `json:"labels"`
}

// RegisterSummary describes the values of one numeric register
type RegisterSummary struct {
	Register     string        `json:"register"`
	Count        int           `json:"count"`
	Min          float64       `json:"min"`
	Max          float64       `json:"max"`
	Mean         float64       `json:"mean"`
	Last         float64       `json:"last"`
	Distribution *Distribution `json:"distribution"`
}

// DeviceSummary is the summary over the latest archived samples of a device
type DeviceSummary struct {
	SN          string            `json:"sn"`
	Samples     int               `json:"samples"`
	FromMTS     int64             `json:"from_mts"`
	ToMTS       int64             `json:"to_mts"`
	Registers   []RegisterSummary `json:"registers"`
	LastUpdated time.Time         `json:"last_updated"`
}

// HarvestSource provides archived samples, newest first
type HarvestSource interface {
	GetHarvests(sn string, limit int) ([]api.Sample, error)
}

type SummaryService struct {
	source HarvestSource
	now    func() time.Time
}

func NewSummaryService(source HarvestSource) *SummaryService {
	return &SummaryService{source: source, now: time.Now}
}

// Summarize computes per register statistics over the latest limit samples
func (ss *SummaryService) Summarize(sn string, limit, binCount int) (*DeviceSummary, error) {
	if binCount <= 0 {
		binCount = DefaultBinCount
	}

	samples, err := ss.source.GetHarvests(sn, limit)
	if err != nil {
		return nil, xerrors.Errorf("loading harvests of %s: %w", sn, err)
	}
	if len(samples) == 0 {
		return nil, xerrors.Errorf("no harvests of %s: %w", sn, db.ErrNotFound)
	}

	// oldest first, so the last value seen is the newest one
	values := make(map[string][]float64)
	for i := len(samples) - 1; i >= 0; i-- {
		for reg, v := range samples[i].Registers {
			if f, ok := numeric(v); ok {
				values[reg] = append(values[reg], f)
			}
		}
	}

	summary := &DeviceSummary{
		SN:          sn,
		Samples:     len(samples),
		FromMTS:     samples[len(samples)-1].MTS,
		ToMTS:       samples[0].MTS,
		Registers:   make([]RegisterSummary, 0, len(values)),
		LastUpdated: ss.now(),
	}
	for reg, vs := range values {
		summary.Registers = append(summary.Registers, summarizeRegister(reg, vs, binCount))
	}
	sort.Slice(summary.Registers, func(i, j int) bool {
		return summary.Registers[i].Register < summary.Registers[j].Register
	})
	return summary, nil
}

func summarizeRegister(reg string, values []float64, binCount int) RegisterSummary {
	rs := RegisterSummary{
		Register: reg,
		Count:    len(values),
		Min:      math.Inf(1),
		Max:      math.Inf(-1),
		Last:     values[len(values)-1],
	}
	sum := 0.0
	for _, v := range values {
		rs.Min = math.Min(rs.Min, v)
		rs.Max = math.Max(rs.Max, v)
		sum += v
	}
	rs.Mean = sum / float64(len(values))
	rs.Distribution = calculateDistribution(values, binCount)
	return rs
}

// calculateDistribution bins values into a histogram over their range
// widened by 5% on both sides
func calculateDistribution(values []float64, binCount int) *Distribution {
	if len(values) == 0 {
		return nil
	}

	minValue, maxValue := values[0], values[0]
	for _, v := range values {
		minValue = math.Min(minValue, v)
		maxValue = math.Max(maxValue, v)
	}

	extension := (maxValue - minValue) * 0.05
	minValue -= extension
	maxValue += extension

	binWidth := (maxValue - minValue) / float64(binCount)
	if binWidth == 0 {
		binWidth = 1
	}

	dist := &Distribution{
		BinCount: binCount,
		Min:      minValue,
		Max:      maxValue,
		BinWidth: binWidth,
		Counts:   make([]int, binCount),
		Labels:   make([]string, binCount),
	}

	for i := 0; i < binCount; i++ {
		dist.Labels[i] = fmt.Sprintf("%.2f", minValue+float64(i)*binWidth)
	}

	for _, v := range values {
		addToDistribution(dist, v)
	}

	calculatePDF(dist)
	return dist
}

func addToDistribution(dist *Distribution, v float64) {
	bin := int((v - dist.Min) / dist.BinWidth)
	if bin >= len(dist.Counts) {
		bin = len(dist.Counts) - 1
	}
	if bin < 0 {
		bin = 0
	}
	dist.Counts[bin]++
}

func calculatePDF(dist *Distribution) {
	total := 0
	for _, c := range dist.Counts {
		total += c
	}

	dist.PDF = make([]float64, len(dist.Counts))
	if total > 0 {
		for i, c := range dist.Counts {
			dist.PDF[i] = float64(c) / float64(total)
		}
	}
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint16:
		return float64(n), true
	case int16:
		return float64(n), true
	default:
		return 0, false
	}
}
