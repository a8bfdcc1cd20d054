package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dokempf/CebraEM/cebra"
	"github.com/dokempf/CebraEM/compute"
	"github.com/dokempf/CebraEM/config"
	"github.com/dokempf/CebraEM/pyramid"
	"github.com/dokempf/CebraEM/storage"
	"github.com/dokempf/CebraEM/volume"
	"github.com/dokempf/CebraEM/writer"
)

const projectConfig = `
[project]
markers = "mem://markers"

[raw]
path = "mem://raw"
invert = true
quantiles = "quantiles.json"

[mask]
path = "mem://mask"
ids = [1]

[datasets.membrane_prediction]
kind = "image"
path = "mem://membranes"
resolution = [10.0, 10.0, 10.0]
dependencies = ["raw"]
compute = "identity"
halo = [2, 2, 2]
block_shape = [16, 16, 16]
chunk_size = [8, 8, 8]
positions = "blocks.json"
quantile_norm = {"0.0" = 0.0, "1.0" = 255.0}
downscale_factors = [[2, 2, 2]]

[datasets.supervoxels]
kind = "segmentation"
path = "mem://sv"
resolution = [10.0, 10.0, 10.0]
dependencies = ["membrane_prediction"]
compute = "whole"
block_shape = [16, 16, 16]
chunk_size = [8, 8, 8]
positions = "blocks.json"
downscale_factors = [[2, 2, 2]]

[datasets.supervoxels.writing]
background = 0.0
unique_labels = true
update_max_id = true
`

type identity struct{}

func (identity) Predict(ctx context.Context, v *volume.Volume) (*volume.Volume, error) {
	return v.Duplicate(), nil
}

// whole labels every voxel of its input as one object.
type whole struct{}

func (whole) Segment(ctx context.Context, v *volume.Volume, p compute.Params) (*volume.Volume, error) {
	return volume.NewFilled(cebra.T_uint64, v.Size, 1), nil
}

func storeVolume(t *testing.T, ref string, kind pyramid.Kind, vol *volume.Volume) {
	ctx := context.Background()
	s, err := storage.Open(ctx, ref, true)
	if err != nil {
		t.Fatalf("open %s: %v", ref, err)
	}
	info, err := pyramid.NewInfo(pyramid.Options{
		Kind:       kind,
		DataType:   vol.Type,
		Resolution: cebra.Resolution{10, 10, 10},
		Size:       vol.Size,
		ChunkSize:  cebra.Point3d{16, 16, 16},
	})
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	p, err := pyramid.Create(ctx, s, info)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b := p.NewBatch()
	if err := b.WriteRegion(0, cebra.Point3d{}, vol, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := b.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func setupProject(t *testing.T) *Runner {
	storage.ResetMemory()
	size := cebra.Point3d{32, 32, 32}
	raw := volume.New(cebra.T_uint8, size)
	mask := volume.New(cebra.T_uint8, size)
	for z := int32(0); z < 32; z++ {
		for y := int32(0); y < 32; y++ {
			for x := int32(0); x < 32; x++ {
				i := raw.Index(x, y, z)
				raw.Data[i] = uint8(x * 8)
				if x < 16 {
					mask.Data[i] = 1
				}
			}
		}
	}
	storeVolume(t, "mem://raw", pyramid.Image, raw)
	storeVolume(t, "mem://mask", pyramid.Segmentation, mask)

	dir := t.TempDir()
	var blocks []cebra.Point3d
	for z := int32(0); z < 32; z += 16 {
		for y := int32(0); y < 32; y += 16 {
			for x := int32(0); x < 32; x += 16 {
				blocks = append(blocks, cebra.Point3d{x, y, z})
			}
		}
	}
	posJSON := "["
	for i, b := range blocks {
		if i > 0 {
			posJSON += ","
		}
		posJSON += fmt.Sprintf("[%d,%d,%d]", b[0], b[1], b[2])
	}
	posJSON += "]"
	os.WriteFile(filepath.Join(dir, "blocks.json"), []byte(posJSON), 0644)
	os.WriteFile(filepath.Join(dir, "quantiles.json"), []byte(`{"0.0": 0, "1.0": 255}`), 0644)

	cfg, err := config.Parse([]byte(projectConfig), dir)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	registry := compute.NewRegistry()
	registry.RegisterPredictor("identity", func(compute.Method) (compute.Predictor, error) { return identity{}, nil })
	registry.RegisterSegmenter("whole", func(compute.Method) (compute.Segmenter, error) { return whole{}, nil })
	r, err := NewRunner(context.Background(), cfg, registry)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func runAll(t *testing.T, r *Runner, dataset string) {
	n, err := r.NumBlocks(dataset)
	if err != nil || n != 8 {
		t.Fatalf("expected 8 blocks, got %d (%v)", n, err)
	}
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.RunBlock(context.Background(), dataset, i)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("%s block %d: %v", dataset, i, err)
		}
	}
}

func TestRunProject(t *testing.T) {
	ctx := context.Background()
	r := setupProject(t)

	if err := r.RunBlock(ctx, "membrane_prediction", 0); !IsUnavailable(err) {
		t.Fatalf("expected unavailable output before init, got %v", err)
	}
	for _, name := range r.Config().DatasetNames() {
		if _, err := r.InitStore(ctx, name); err != nil {
			t.Fatalf("init %s: %v", name, err)
		}
	}

	runAll(t, r, "membrane_prediction")
	for i := 0; i < 8; i++ {
		if done, err := r.Done(ctx, "membrane_prediction", i); err != nil || !done {
			t.Errorf("block %d has no completion marker (%v)", i, err)
		}
	}
	membranes, err := pyramid.OpenRef(ctx, "mem://membranes")
	if err != nil {
		t.Fatalf("open membranes: %v", err)
	}
	base, err := membranes.ReadRegion(ctx, 0, cebra.Point3d{}, cebra.Point3d{32, 32, 32})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for z := int32(0); z < 32; z += 5 {
		for y := int32(0); y < 32; y += 3 {
			for x := int32(0); x < 32; x++ {
				want := uint8(0)
				if x < 16 {
					want = 255 - uint8(x*8)
				}
				if got := base.Data[base.Index(x, y, z)]; got != want {
					t.Fatalf("membranes (%d,%d,%d): expected %d, got %d", x, y, z, want, got)
				}
			}
		}
	}
	coarse, err := membranes.ReadRegion(ctx, 1, cebra.Point3d{}, cebra.Point3d{1, 1, 1})
	if err != nil {
		t.Fatalf("read level 1: %v", err)
	}
	if coarse.Data[0] != 251 {
		t.Errorf("level 1 should be the mean of 255 and 247, got %d", coarse.Data[0])
	}

	runAll(t, r, "supervoxels")
	sv, err := pyramid.OpenRef(ctx, "mem://sv")
	if err != nil {
		t.Fatalf("open supervoxels: %v", err)
	}
	maxID, found, err := sv.MaxID(ctx)
	if err != nil || !found || maxID != 4 {
		t.Errorf("expected counter 4, got %d (%t, %v)", maxID, found, err)
	}
	labels, err := sv.ReadRegion(ctx, 0, cebra.Point3d{}, cebra.Point3d{32, 32, 32})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	seen := make(map[uint64]cebra.Point3d)
	for _, pos := range []cebra.Point3d{{0, 0, 0}, {0, 16, 0}, {0, 0, 16}, {0, 16, 16}} {
		lbl := labels.Label(labels.Index(pos[0]+5, pos[1]+5, pos[2]+5))
		if lbl == 0 || lbl > 4 {
			t.Errorf("block @ %s has label %d", pos, lbl)
		}
		if prev, dup := seen[lbl]; dup {
			t.Errorf("blocks @ %s and %s share label %d", prev, pos, lbl)
		}
		seen[lbl] = pos
	}
	if lbl := labels.Label(labels.Index(20, 20, 20)); lbl != 0 {
		t.Errorf("masked out block got label %d", lbl)
	}
	ledger, err := sv.Ledger(ctx)
	if err != nil || len(ledger) != 4 {
		t.Fatalf("expected 4 ledger records, got %d (%v)", len(ledger), err)
	}
	for _, rec := range ledger {
		if rec.Task == "" || rec.Count != 1 {
			t.Errorf("unexpected ledger record %+v", rec)
		}
	}

	// Reinitializing with the same layout keeps the data and counter.
	if _, err := r.InitStore(ctx, "supervoxels"); err != nil {
		t.Errorf("reinit: %v", err)
	}
	if maxID, _, _ := sv.MaxID(ctx); maxID != 4 {
		t.Errorf("reinit changed the counter to %d", maxID)
	}
}

func TestRunBlockErrors(t *testing.T) {
	ctx := context.Background()
	r := setupProject(t)
	if _, err := r.InitStore(ctx, "membrane_prediction"); err != nil {
		t.Fatalf("init: %v", err)
	}
	err := r.RunBlock(ctx, "membrane_prediction", 8)
	var be *cebra.BlockError
	if !errors.As(err, &be) || be.Dataset != "membrane_prediction" || be.Index != 8 {
		t.Fatalf("expected block error, got %v", err)
	}
	if done, _ := r.Done(ctx, "membrane_prediction", 8); done {
		t.Errorf("failed block left a marker")
	}
	if err := r.RunBlock(ctx, "stitched", 0); !IsUnavailable(err) {
		t.Errorf("expected unknown dataset to be unavailable, got %v", err)
	}
	if _, err := r.InitStore(ctx, "stitched"); !IsUnavailable(err) {
		t.Errorf("expected unknown dataset to be unavailable, got %v", err)
	}
}

func TestDependencyViewSeesLaterWrites(t *testing.T) {
	ctx := context.Background()
	r := setupProject(t)
	r.cfg.Project.CacheMB = 1
	if _, err := r.InitStore(ctx, "membrane_prediction"); err != nil {
		t.Fatalf("init: %v", err)
	}
	d, err := r.cfg.Dataset("membrane_prediction")
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	out, err := r.output(ctx, d)
	if err != nil {
		t.Fatalf("output: %v", err)
	}
	half := cebra.Point3d{4, 8, 8}
	write := func(index int, pos cebra.Point3d, value float64) {
		block := writer.Block{Index: index, Position: pos, Shape: half}
		if _, err := writer.Write(ctx, out, block, volume.NewFilled(cebra.T_uint8, half, value), cebra.Point3d{}, writer.Policy{}); err != nil {
			t.Fatalf("write block %d: %v", index, err)
		}
	}
	read := func() uint8 {
		in, err := r.input(ctx, d.Path)
		if err != nil {
			t.Fatalf("input: %v", err)
		}
		v, err := in.ReadRegion(ctx, 0, cebra.Point3d{}, cebra.Point3d{8, 8, 8})
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return v.Data[v.Index(6, 0, 0)]
	}

	// Both halves share one chunk, so a cached view would keep the first version.
	write(0, cebra.Point3d{}, 10)
	if got := read(); got != 0 {
		t.Fatalf("expected unwritten half to be 0, got %d", got)
	}
	write(1, cebra.Point3d{4, 0, 0}, 20)
	if got := read(); got != 20 {
		t.Errorf("dependency view returned %d after the chunk was rewritten, expected 20", got)
	}
}
