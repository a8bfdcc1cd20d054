/*
	Package compute defines the contracts of the per-block computations, predictors of
	continuous maps and segmenters producing labels, and the registry that binds a dataset's
	configured method to a dispatch.ComputeFunc.
*/
package compute

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dokempf/CebraEM/cebra"
	"github.com/dokempf/CebraEM/dispatch"
	"github.com/dokempf/CebraEM/volume"
)

// Role is the kind of output a computation produces.
type Role string

const (
	MembranePrediction Role = "membrane_prediction"
	Supervoxels        Role = "supervoxels"
)

// Params are the tuning parameters of a segmenter.
type Params struct {
	Threshold float64           `toml:"threshold" json:"threshold"`
	MinSize   int               `toml:"min_size" json:"min_size"`
	Extra     map[string]string `toml:"extra" json:"extra,omitempty"`
}

// Predictor computes a continuous map, e.g., membrane probabilities, from raw data.
type Predictor interface {
	Predict(ctx context.Context, v *volume.Volume) (*volume.Volume, error)
}

// Segmenter computes a label volume from its input.
type Segmenter interface {
	Segment(ctx context.Context, v *volume.Volume, p Params) (*volume.Volume, error)
}

// Method names an implementation together with what it needs to run.
type Method struct {
	Name    string
	Command []string
	Params  Params
}

// Convention is how a role fills voxels it did not compute and what type it writes.
type Convention struct {
	Fill       dispatch.Fill
	OutputType cebra.DataType
	Background float64
}

var conventions = map[Role]Convention{
	MembranePrediction: {Fill: dispatch.FillZero, OutputType: cebra.T_uint8},
	Supervoxels:        {Fill: dispatch.FillZero, OutputType: cebra.T_uint64},
}

// ConventionFor returns the fill convention and natural output type of a role.
func ConventionFor(role Role) (Convention, error) {
	conv, found := conventions[role]
	if !found {
		return Convention{}, fmt.Errorf("unknown compute role %q", role)
	}
	return conv, nil
}

// PredictorFactory builds a predictor for a configured method.
type PredictorFactory func(m Method) (Predictor, error)

// SegmenterFactory builds a segmenter for a configured method.
type SegmenterFactory func(m Method) (Segmenter, error)

// Registry maps method names to implementations.
type Registry struct {
	mu         sync.RWMutex
	predictors map[string]PredictorFactory
	segmenters map[string]SegmenterFactory
}

// NewRegistry returns a registry holding the built-in methods.
func NewRegistry() *Registry {
	r := &Registry{
		predictors: make(map[string]PredictorFactory),
		segmenters: make(map[string]SegmenterFactory),
	}
	r.RegisterPredictor("constant", func(Method) (Predictor, error) { return Constant{Value: 255}, nil })
	r.RegisterPredictor("exec", func(m Method) (Predictor, error) { return newExec(m, cebra.T_uint8) })
	r.RegisterSegmenter("threshold", func(Method) (Segmenter, error) { return Threshold{}, nil })
	r.RegisterSegmenter("exec", func(m Method) (Segmenter, error) { return newExec(m, cebra.T_uint64) })
	return r
}

// RegisterPredictor adds or replaces a predictor.
func (r *Registry) RegisterPredictor(name string, f PredictorFactory) {
	r.mu.Lock()
	r.predictors[name] = f
	r.mu.Unlock()
}

// RegisterSegmenter adds or replaces a segmenter.
func (r *Registry) RegisterSegmenter(name string, f SegmenterFactory) {
	r.mu.Lock()
	r.segmenters[name] = f
	r.mu.Unlock()
}

// Methods returns the registered method names of a role.
func (r *Registry) Methods(role Role) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	if role == Supervoxels {
		for name := range r.segmenters {
			names = append(names, name)
		}
	} else {
		for name := range r.predictors {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Func returns the compute function and fill convention for a role and method.
func (r *Registry) Func(role Role, m Method) (dispatch.ComputeFunc, Convention, error) {
	conv, err := ConventionFor(role)
	if err != nil {
		return nil, conv, err
	}
	r.mu.RLock()
	pf := r.predictors[m.Name]
	sf := r.segmenters[m.Name]
	r.mu.RUnlock()

	switch role {
	case MembranePrediction:
		if pf == nil {
			return nil, conv, fmt.Errorf("no predictor %q, have %s", m.Name, strings.Join(r.Methods(role), ", "))
		}
		p, err := pf(m)
		if err != nil {
			return nil, conv, err
		}
		return p.Predict, conv, nil
	default:
		if sf == nil {
			return nil, conv, fmt.Errorf("no segmenter %q, have %s", m.Name, strings.Join(r.Methods(role), ", "))
		}
		s, err := sf(m)
		if err != nil {
			return nil, conv, err
		}
		params := m.Params
		return func(ctx context.Context, v *volume.Volume) (*volume.Volume, error) {
			return s.Segment(ctx, v, params)
		}, conv, nil
	}
}

// Constant predicts the same value everywhere.  It stands in for a model when debugging
// the block pipeline.
type Constant struct {
	Value float64
}

func (c Constant) Predict(ctx context.Context, v *volume.Volume) (*volume.Volume, error) {
	return volume.NewFilled(cebra.T_uint8, v.Size, c.Value), nil
}
