package pyramid

import (
	"context"
	"encoding/json"
	"fmt"
)

// DriftTable maps a native z slice to its in-plane (dx, dy) displacement in voxels.
type DriftTable map[int32][2]float64

// Drift returns the recorded drift table or nil if none exists.
func (p *Pyramid) Drift(ctx context.Context) (DriftTable, error) {
	data, err := p.direct.Get(ctx, DriftKey)
	if err != nil || data == nil {
		return nil, err
	}
	var table DriftTable
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("bad drift table in %s: %v", p.direct, err)
	}
	return table, nil
}

// SetDrift records the drift table.
func (p *Pyramid) SetDrift(ctx context.Context, table DriftTable) error {
	data, err := json.Marshal(table)
	if err != nil {
		return err
	}
	return p.direct.Put(ctx, DriftKey, data)
}

// Shifts returns per-slice shifts for slices z0 .. z0+n-1, zero where not recorded.
func (t DriftTable) Shifts(z0 int32, n int32) [][2]float64 {
	shifts := make([][2]float64, n)
	for i := int32(0); i < n; i++ {
		shifts[i] = t[z0+i]
	}
	return shifts
}
