package telemetry

import (
	"context"
	"math/rand"
)

// DemoCell simulates an LTE modem camped on one cell with a neighbour.
type DemoCell struct {
	IMEI string
}

// NewDemoCell creates a simulated cellular source.
func NewDemoCell() *DemoCell {
	return &DemoCell{IMEI: "356938035643809"}
}

func (d *DemoCell) CellInfo(_ context.Context) ([]CellInfo, error) {
	return []CellInfo{
		{Radio: RadioLTE, Registered: false, Strength: LTEStrength{RSRPIndex: 20 + rand.Intn(10)}},
		{Radio: RadioLTE, Registered: true, Strength: LTEStrength{RSRPIndex: 40 + rand.Intn(20)}},
	}, nil
}

func (d *DemoCell) DeviceID(_ context.Context) (string, error) {
	return d.IMEI, nil
}
