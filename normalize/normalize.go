/*
	Package normalize adjusts raw intensities before compute: quantile normalization
	against a precomputed table and 8-bit inversion.
*/
package normalize

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/dokempf/CebraEM/cebra"
	"github.com/dokempf/CebraEM/volume"
)

// Quantiles maps a quantile, e.g. "0.1", to an intensity.
type Quantiles map[string]float64

// QuantileTable holds the measured quantiles of a raw dataset, globally and optionally per
// mask label.
type QuantileTable struct {
	Global Quantiles            `json:"quantiles"`
	Labels map[uint64]Quantiles `json:"labels,omitempty"`
}

// canonical rewrites quantile keys so "0.10" and "0.1" are the same key.
func (q Quantiles) canonical() (Quantiles, error) {
	out := make(Quantiles, len(q))
	for key, value := range q {
		f, err := strconv.ParseFloat(key, 64)
		if err != nil {
			return nil, fmt.Errorf("bad quantile %q: %v", key, err)
		}
		out[strconv.FormatFloat(f, 'g', -1, 64)] = value
	}
	return out, nil
}

func (q Quantiles) sortedKeys() []string {
	keys := make([]string, 0, len(q))
	for key := range q {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, _ := strconv.ParseFloat(keys[i], 64)
		b, _ := strconv.ParseFloat(keys[j], 64)
		return a < b
	})
	return keys
}

// LoadQuantileTable reads a JSON table, either flat {"0.1": 20, "0.9": 180} or
// {"quantiles": {...}, "labels": {"<id>": {...}}}.
func LoadQuantileTable(path string) (QuantileTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return QuantileTable{}, err
	}
	return ParseQuantileTable(data)
}

// ParseQuantileTable decodes either JSON form accepted by LoadQuantileTable.
func ParseQuantileTable(data []byte) (QuantileTable, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return QuantileTable{}, fmt.Errorf("bad quantile table: %v", err)
	}
	var table QuantileTable
	if _, nested := probe["quantiles"]; nested {
		if err := json.Unmarshal(data, &table); err != nil {
			return QuantileTable{}, fmt.Errorf("bad quantile table: %v", err)
		}
	} else if err := json.Unmarshal(data, &table.Global); err != nil {
		return QuantileTable{}, fmt.Errorf("bad quantile table: %v", err)
	}
	var err error
	if table.Global, err = table.Global.canonical(); err != nil {
		return QuantileTable{}, err
	}
	for lbl, q := range table.Labels {
		if table.Labels[lbl], err = q.canonical(); err != nil {
			return QuantileTable{}, err
		}
	}
	return table, nil
}

type linearMap struct {
	scale, offset float64
}

// mapping returns the linear transform taking the lowest and highest target quantiles
// present in q onto their target values.
func mapping(q Quantiles, target Quantiles) (linearMap, error) {
	var common []string
	for _, key := range target.sortedKeys() {
		if _, found := q[key]; found {
			common = append(common, key)
		}
	}
	if len(common) < 2 {
		return linearMap{}, fmt.Errorf("need two target quantiles present in the table, have %v", common)
	}
	lo, hi := common[0], common[len(common)-1]
	qlo, qhi := q[lo], q[hi]
	if qhi == qlo {
		return linearMap{}, fmt.Errorf("quantiles %s and %s both measure %g", lo, hi, qlo)
	}
	scale := (target[hi] - target[lo]) / (qhi - qlo)
	return linearMap{scale: scale, offset: target[lo] - qlo*scale}, nil
}

// Normalize maps raw intensities so the table's quantiles land on the target values.
// Only voxels whose mask label is in maskIDs are changed, or every voxel if mask is nil.
// Results are rounded for integer types and clipped to the type range.
func Normalize(raw, mask *volume.Volume, maskIDs volume.LabelSet, table QuantileTable, target map[string]float64) (*volume.Volume, error) {
	if mask != nil {
		if len(maskIDs) == 0 {
			return nil, cebra.ErrMaskPolicyConflict
		}
		if err := volume.SameShape(raw, mask); err != nil {
			return nil, err
		}
	}
	tq, err := Quantiles(target).canonical()
	if err != nil {
		return nil, err
	}
	global, err := mapping(table.Global, tq)
	if err != nil {
		return nil, err
	}
	perLabel := make(map[uint64]linearMap, len(table.Labels))
	for lbl, q := range table.Labels {
		if m, err := mapping(q, tq); err == nil {
			perLabel[lbl] = m
		} else {
			cebra.Warningf("Quantiles of label %d unusable, using global quantiles: %v\n", lbl, err)
		}
	}

	out := raw.Duplicate()
	nvox := int(raw.NumVoxels())
	for c := 0; c < int(raw.Channels); c++ {
		for i := 0; i < nvox; i++ {
			m := global
			if mask != nil {
				lbl := mask.Label(i)
				if !maskIDs.Contains(lbl) {
					continue
				}
				if lm, found := perLabel[lbl]; found {
					m = lm
				}
			}
			idx := c*nvox + i
			out.SetValue(idx, raw.Value(idx)*m.scale+m.offset)
		}
	}
	return out, nil
}

// Invert returns 255 - v for every voxel of an 8-bit volume.
func Invert(raw *volume.Volume) (*volume.Volume, error) {
	if raw.Type != cebra.T_uint8 {
		return nil, fmt.Errorf("%w: cannot invert %s data", cebra.ErrUnsupportedType, raw.Type)
	}
	out := raw.Duplicate()
	for i, v := range out.Data {
		out.Data[i] = 255 - v
	}
	return out, nil
}
