package api

import (
	"net/http"
	"sort"

	"github.com/gary0122g/EnergyGateway/device"
)

// Client talks to the backend that receives harvest data
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Signer     Signer
	GatewayID  string
}

// BackendError is returned for non-2xx backend responses
type BackendError struct {
	StatusCode int
	Message    string
	RawBody    string
}

// Sample is one harvested reading of a device
type Sample struct {
	MTS       int64            `json:"mts"` // Event time in unix milliseconds
	Registers device.Registers `json:"registers"`
}

// HarvestBatch is the payload of a backend harvest upload
type HarvestBatch struct {
	ID      string   `json:"id"`
	SN      string   `json:"sn"`
	Samples []Sample `json:"samples"`
}

// NewHarvestBatch converts a barn keyed by event time into a batch ordered by
// event time
func NewHarvestBatch(id, sn string, barn map[int64]device.Registers) HarvestBatch {
	samples := make([]Sample, 0, len(barn))
	for mts, regs := range barn {
		samples = append(samples, Sample{MTS: mts, Registers: regs})
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].MTS < samples[j].MTS })
	return HarvestBatch{ID: id, SN: sn, Samples: samples}
}

// Claims are the JWT claims sent with every backend request
type Claims struct {
	Issuer   string `json:"iss"`
	Subject  string `json:"sub,omitempty"`
	IssuedAt int64  `json:"iat"`
	Expires  int64  `json:"exp"`
	Nonce    string `json:"jti"`
}
