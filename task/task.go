/*
	Package task runs one block of a configured dataset end to end: resolve positions, load
	the dependencies at the dataset's resolution, normalize raw data, dispatch the compute
	function under the mask, write the result and leave a completion marker.
*/
package task

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/twinj/uuid"

	"github.com/dokempf/CebraEM/cebra"
	"github.com/dokempf/CebraEM/compute"
	"github.com/dokempf/CebraEM/config"
	"github.com/dokempf/CebraEM/dispatch"
	"github.com/dokempf/CebraEM/normalize"
	"github.com/dokempf/CebraEM/pyramid"
	"github.com/dokempf/CebraEM/reader"
	"github.com/dokempf/CebraEM/storage"
	"github.com/dokempf/CebraEM/volume"
	"github.com/dokempf/CebraEM/writer"
)

// Status values reported in activity messages.
const (
	StatusDone   = "done"
	StatusFailed = "failed"
)

// Runner executes block tasks for one project configuration.  It is safe for concurrent
// use by blocks of the same or of different datasets.
type Runner struct {
	cfg      *config.Config
	registry *compute.Registry
	pool     *storage.Pool
	notifier *storage.Notifier

	// outputs holds the store refs written by this runner.  Their input views are never
	// cached, since blocks written later would not be seen.
	outputs map[string]bool

	mu        sync.Mutex
	positions map[string][]cebra.Point3d
	inputs    map[string]*pyramid.Pyramid
	quantiles *normalize.QuantileTable
}

// NewRunner returns a runner for cfg.  A nil registry uses the built-in compute methods.
func NewRunner(ctx context.Context, cfg *config.Config, registry *compute.Registry) (*Runner, error) {
	if registry == nil {
		registry = compute.NewRegistry()
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	notifier, err := cfg.Kafka.NewNotifier(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("unable to start kafka notifications: %v", err)
	}
	if refs := len(cfg.Datasets) + 3; refs > cfg.Project.MaxOpen {
		cebra.Warningf("Project may use %d stores but at most %d are kept open\n", refs, cfg.Project.MaxOpen)
	}
	outputs := make(map[string]bool, len(cfg.Datasets))
	for _, d := range cfg.Datasets {
		outputs[d.Path] = true
	}
	return &Runner{
		cfg:       cfg,
		registry:  registry,
		pool:      storage.NewPool(cfg.Project.MaxOpen),
		notifier:  notifier,
		outputs:   outputs,
		positions: make(map[string][]cebra.Point3d),
		inputs:    make(map[string]*pyramid.Pyramid),
	}, nil
}

// Config returns the runner's configuration.
func (r *Runner) Config() *config.Config {
	return r.cfg
}

// Close flushes notifications and closes every open store.
func (r *Runner) Close() {
	r.notifier.Shutdown()
	r.pool.Close()
}

func (r *Runner) blockPositions(dataset string) ([]cebra.Point3d, error) {
	d, err := r.cfg.Dataset(dataset)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if positions, found := r.positions[dataset]; found {
		return positions, nil
	}
	positions, err := config.LoadPositions(d.Positions)
	if err != nil {
		return nil, err
	}
	r.positions[dataset] = positions
	return positions, nil
}

// Position returns the base-level position of a block.
func (r *Runner) Position(dataset string, index int) (cebra.Point3d, error) {
	positions, err := r.blockPositions(dataset)
	if err != nil {
		return cebra.Point3d{}, err
	}
	if index < 0 || index >= len(positions) {
		return cebra.Point3d{}, fmt.Errorf("block index %d out of range, dataset has %d blocks", index, len(positions))
	}
	return positions[index], nil
}

// NumBlocks returns the number of block positions of a dataset.
func (r *Runner) NumBlocks(dataset string) (int, error) {
	positions, err := r.blockPositions(dataset)
	return len(positions), err
}

func markerKey(dataset string, index int) string {
	return fmt.Sprintf("%s/%d.done", dataset, index)
}

// Done returns true if the block has a completion marker.
func (r *Runner) Done(ctx context.Context, dataset string, index int) (bool, error) {
	markers, err := r.pool.Get(ctx, r.cfg.Project.Markers, true)
	if err != nil {
		return false, err
	}
	return storage.Exists(ctx, markers, markerKey(dataset, index))
}

// input returns a read view of the pyramid at ref.  A view is rebuilt when the pool has
// reopened the underlying store.  Chunk reads are cached only for stores this runner does
// not write.
func (r *Runner) input(ctx context.Context, ref string) (*pyramid.Pyramid, error) {
	s, err := r.pool.Get(ctx, ref, false)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, found := r.inputs[ref]; found && p.Store() == s {
		return p, nil
	}
	p, err := pyramid.Open(ctx, s)
	if err != nil {
		return nil, err
	}
	if mb := r.cfg.Project.CacheMB; mb > 0 && !r.outputs[ref] {
		p = p.WithCache(mb * cebra.Mega)
	}
	r.inputs[ref] = p
	return p, nil
}

func (r *Runner) output(ctx context.Context, d *config.Dataset) (*pyramid.Pyramid, error) {
	s, err := r.pool.Get(ctx, d.Path, false)
	if err != nil {
		return nil, err
	}
	return pyramid.Open(ctx, s)
}

func (r *Runner) quantileTable() (normalize.QuantileTable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.quantiles != nil {
		return *r.quantiles, nil
	}
	table, err := normalize.LoadQuantileTable(r.cfg.Raw.Quantiles)
	if err != nil {
		return table, err
	}
	r.quantiles = &table
	return table, nil
}

// descriptors returns the inputs of a dataset, its mask last.
func (r *Runner) descriptors(d *config.Dataset) ([]reader.Descriptor, error) {
	var descs []reader.Descriptor
	for _, dep := range d.Dependencies {
		if dep == config.RawName {
			descs = append(descs, reader.Descriptor{
				Name:       dep,
				Path:       r.cfg.Raw.Path,
				Resolution: r.cfg.Raw.Resolution,
				Order:      volume.Linear,
				Raw:        true,
			})
			continue
		}
		up, err := r.cfg.Dataset(dep)
		if err != nil {
			return nil, err
		}
		order := volume.Linear
		if up.Kind == pyramid.Segmentation {
			order = volume.Nearest
		}
		descs = append(descs, reader.Descriptor{Name: dep, Path: up.Path, Resolution: up.Resolution, Order: order})
	}
	if m := r.cfg.Mask; m != nil {
		descs = append(descs, reader.Descriptor{
			Name:       config.MaskName,
			Path:       m.Path,
			Resolution: m.Resolution,
			Order:      volume.Nearest,
		})
	}
	return descs, nil
}

// stack combines the dependency volumes into the compute input, one channel each.
func stack(vols []*volume.Volume) (*volume.Volume, error) {
	if len(vols) == 1 {
		return vols[0], nil
	}
	first := vols[0]
	out := volume.NewChannels(first.Type, first.Size, int32(len(vols)))
	n := len(first.Data)
	for i, v := range vols {
		if v.Type != first.Type || v.Channels != 1 {
			return nil, fmt.Errorf("%w: cannot stack %s with %s", cebra.ErrTypeMismatch, v, first)
		}
		copy(out.Data[i*n:(i+1)*n], v.Data)
	}
	return out, nil
}

func (r *Runner) notify(dataset string, index int, pos cebra.Point3d, run string, start time.Time, err error) {
	activity := map[string]interface{}{
		"dataset":  dataset,
		"index":    index,
		"position": pos,
		"run":      run,
		"status":   StatusDone,
		"duration": time.Since(start).Seconds(),
	}
	if err != nil {
		activity["status"] = StatusFailed
		activity["error"] = err.Error()
	}
	r.notifier.LogActivity(activity)
}

// RunBlock computes and writes block index of dataset.  On success an empty completion
// marker is stored; on failure the error is a *cebra.BlockError and no marker is written.
// Blocks are never retried.
func (r *Runner) RunBlock(ctx context.Context, dataset string, index int) error {
	start := time.Now()
	run := fmt.Sprintf("%x", uuid.NewV4().Bytes())
	pos, err := r.Position(dataset, index)
	if err == nil {
		err = r.runBlock(ctx, dataset, index, pos, run)
	}
	r.notify(dataset, index, pos, run, start, err)
	if err != nil {
		cebra.Errorf("Run %s: dataset %q block %d failed: %v\n", run, dataset, index, err)
		return cebra.NewBlockError(dataset, index, pos, err)
	}
	cebra.Infof("Run %s: dataset %q block %d @ %s done in %s\n", run, dataset, index, pos, time.Since(start))
	return nil
}

func (r *Runner) runBlock(ctx context.Context, dataset string, index int, pos cebra.Point3d, run string) error {
	d, err := r.cfg.Dataset(dataset)
	if err != nil {
		return err
	}
	f, conv, err := r.registry.Func(d.Role(), d.Method())
	if err != nil {
		return err
	}
	out, err := r.output(ctx, d)
	if err != nil {
		return err
	}

	descs, err := r.descriptors(d)
	if err != nil {
		return err
	}
	sources := make([]reader.Source, len(descs))
	for i, desc := range descs {
		p, err := r.input(ctx, desc.Path)
		if err != nil {
			return fmt.Errorf("dataset %q: %w", desc.Name, err)
		}
		sources[i] = reader.Source{Descriptor: desc, Pyramid: p}
	}
	posHalo, shapeHalo := cebra.ExpandByHalo(pos, d.BlockShape, d.Halo)
	vols, err := reader.Load(ctx, sources, posHalo, shapeHalo, d.Resolution, reader.Options{
		CrossCorrectRaw: r.cfg.Raw.XCorr,
		MaxShift:        r.cfg.Raw.XCorrMaxShift,
	})
	if err != nil {
		return err
	}
	if cebra.Verbose {
		for name, v := range vols {
			cebra.Infof("Block %d input %q: %s\n", index, name, v.Describe())
		}
	}

	mask := vols[config.MaskName]
	var maskIDs volume.LabelSet
	if mask != nil {
		maskIDs = volume.NewLabelSet(r.cfg.Mask.IDs...)
	}
	if raw, found := vols[config.RawName]; found {
		if len(d.QuantileNorm) > 0 {
			table, err := r.quantileTable()
			if err != nil {
				return err
			}
			if raw, err = normalize.Normalize(raw, mask, maskIDs, table, d.QuantileNorm); err != nil {
				return err
			}
		}
		if r.cfg.Raw.Invert {
			if raw, err = normalize.Invert(raw); err != nil {
				return err
			}
		}
		vols[config.RawName] = raw
	}
	inputs := make([]*volume.Volume, len(d.Dependencies))
	for i, dep := range d.Dependencies {
		inputs[i] = vols[dep]
	}
	input, err := stack(inputs)
	if err != nil {
		return err
	}

	result, err := dispatch.RunWithMask(ctx, f, input, mask, dispatch.Options{
		Halo:       d.Halo,
		MaskIDs:    maskIDs,
		Fill:       conv.Fill,
		OutputType: conv.OutputType,
		Background: conv.Background,
	})
	if err != nil {
		return err
	}

	policy := writer.Policy{
		Downscale:    d.Writing.Downscale,
		Background:   conv.Background,
		UniqueLabels: d.Writing.UniqueLabels,
		UpdateMaxID:  d.Writing.UpdateMaxID,
		CastType:     d.Writing.CastType,
		CheckOverlap: r.cfg.Project.CheckOverlap,
		Task:         run,
	}
	if bg := d.Writing.Background; bg != nil {
		policy.Background = *bg
		policy.HasBackground = true
	}
	block := writer.Block{Index: index, Position: pos, Shape: d.BlockShape}
	res, err := writer.Write(ctx, out, block, result, cebra.Point3d{}, policy)
	if err != nil {
		return err
	}
	if res.NumIDs > 0 {
		cebra.Debugf("Run %s: block %d labels %d-%d\n", run, index, res.FirstID, res.FirstID+res.NumIDs-1)
	}

	markers, err := r.pool.Get(ctx, r.cfg.Project.Markers, true)
	if err != nil {
		return err
	}
	return markers.Put(ctx, markerKey(dataset, index), []byte{})
}

// InitStore creates the output pyramid of a dataset, sized to cover the raw data extent.
// Initializing an existing store with the same layout is a no-op.
func (r *Runner) InitStore(ctx context.Context, dataset string) (*pyramid.Pyramid, error) {
	d, err := r.cfg.Dataset(dataset)
	if err != nil {
		return nil, err
	}
	raw, err := r.input(ctx, r.cfg.Raw.Path)
	if err != nil {
		return nil, fmt.Errorf("raw: %w", err)
	}
	base, err := raw.Level(0)
	if err != nil {
		return nil, err
	}
	rawRes := r.cfg.Raw.Resolution
	if rawRes == (cebra.Resolution{}) {
		rawRes = base.Resolution
	}
	ratio, err := rawRes.Ratio(d.Resolution)
	if err != nil {
		return nil, err
	}
	var size cebra.Point3d
	for i := 0; i < 3; i++ {
		size[i] = int32(math.Ceil(float64(base.Size[i]) * ratio[i]))
	}

	conv, err := compute.ConventionFor(d.Role())
	if err != nil {
		return nil, err
	}
	opts := pyramid.Options{
		Kind:        d.Kind,
		DataType:    conv.OutputType,
		Background:  conv.Background,
		Downscale:   d.Writing.Downscale,
		Compression: d.Compression,
		Resolution:  d.Resolution,
		Size:        size,
		ChunkSize:   d.ChunkSize,
		Factors:     d.DownscaleFactors,
	}
	if d.DataType != nil {
		opts.DataType = *d.DataType
	}
	if d.Writing.Background != nil {
		opts.Background = *d.Writing.Background
	}
	info, err := pyramid.NewInfo(opts)
	if err != nil {
		return nil, err
	}
	s, err := r.pool.Get(ctx, d.Path, true)
	if err != nil {
		return nil, err
	}
	p, err := pyramid.Create(ctx, s, info)
	if err != nil {
		return nil, err
	}
	cebra.Infof("Initialized dataset %q in %s: %d levels, base %s at %s\n", dataset, s, len(info.Levels), size, d.Resolution)
	return p, nil
}

// IsUnavailable returns true if err means a store or dataset could not be found.
func IsUnavailable(err error) bool {
	return errors.Is(err, cebra.ErrDatasetUnavailable)
}
