package pyramid

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/dokempf/CebraEM/cebra"
	"github.com/dokempf/CebraEM/storage"
	"github.com/dokempf/CebraEM/volume"
)

func makeTestPyramid(t *testing.T, ref string, kind Kind, dtype cebra.DataType, size, chunk cebra.Point3d, factors ...cebra.Point3d) *Pyramid {
	ctx := context.Background()
	s, err := storage.Open(ctx, ref, true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	info, err := NewInfo(Options{
		Kind:        kind,
		DataType:    dtype,
		Compression: cebra.Snappy,
		Resolution:  cebra.Resolution{5, 5, 5},
		Size:        size,
		ChunkSize:   chunk,
		Factors:     factors,
	})
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	p, err := Create(ctx, s, info)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return p
}

func TestNewInfo(t *testing.T) {
	info, err := NewInfo(Options{
		Kind:       Segmentation,
		DataType:   cebra.T_uint64,
		Resolution: cebra.Resolution{10, 10, 10},
		Size:       cebra.Point3d{100, 64, 33},
		ChunkSize:  cebra.Point3d{16, 16, 16},
		Factors:    []cebra.Point3d{{2, 2, 2}, {2, 2, 1}},
	})
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Downscale != Mode {
		t.Errorf("segmentation should default to mode downscaling, got %s", info.Downscale)
	}
	if len(info.Levels) != 3 {
		t.Fatalf("expected 3 levels, got %d", len(info.Levels))
	}
	if info.Levels[1].Size != (cebra.Point3d{50, 32, 17}) {
		t.Errorf("bad level 1 size %s", info.Levels[1].Size)
	}
	if info.Levels[2].Size != (cebra.Point3d{25, 16, 17}) {
		t.Errorf("bad level 2 size %s", info.Levels[2].Size)
	}
	if info.Levels[2].Resolution != (cebra.Resolution{40, 40, 20}) {
		t.Errorf("bad level 2 resolution %s", info.Levels[2].Resolution)
	}
	if info.CumulativeFactor(2) != (cebra.Point3d{4, 4, 2}) {
		t.Errorf("bad cumulative factor %s", info.CumulativeFactor(2))
	}
	_, err = NewInfo(Options{Kind: Image, DataType: cebra.T_float32, Downscale: Mode,
		Resolution: cebra.Resolution{1, 1, 1}, Size: cebra.Point3d{4, 4, 4}})
	if !errors.Is(err, cebra.ErrUnsupportedType) {
		t.Errorf("expected unsupported type for float mode pyramid, got %v", err)
	}
	_, err = NewInfo(Options{Kind: Image, DataType: cebra.T_uint8, Resolution: cebra.Resolution{1, 0, 1}, Size: cebra.Point3d{4, 4, 4}})
	if !errors.Is(err, cebra.ErrInvalidResolution) {
		t.Errorf("expected invalid resolution, got %v", err)
	}
}

func TestCreateOpen(t *testing.T) {
	defer storage.ResetMemory()
	ctx := context.Background()
	empty, _ := storage.Open(ctx, "mem://empty", true)
	if _, err := Open(ctx, empty); !errors.Is(err, cebra.ErrDatasetUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if _, err := OpenRef(ctx, "mem://never-made"); !errors.Is(err, cebra.ErrDatasetUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}

	p := makeTestPyramid(t, "mem://created", Segmentation, cebra.T_uint32, cebra.Point3d{32, 32, 32}, cebra.Point3d{16, 16, 16}, cebra.Point3d{2, 2, 2})
	maxID, found, err := p.MaxID(ctx)
	if err != nil || !found || maxID != 0 {
		t.Fatalf("expected zero counter, got %d %t %v", maxID, found, err)
	}
	p2, err := OpenRef(ctx, "mem://created")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if p2.Info().DataType != cebra.T_uint32 || p2.NumLevels() != 2 || p2.Info().Compression != cebra.Snappy {
		t.Errorf("info not round-tripped: %+v", p2.Info())
	}

	// Creating again with the same layout reuses the pyramid.
	makeTestPyramid(t, "mem://created", Segmentation, cebra.T_uint32, cebra.Point3d{32, 32, 32}, cebra.Point3d{16, 16, 16}, cebra.Point3d{2, 2, 2})
	info, _ := NewInfo(Options{Kind: Segmentation, DataType: cebra.T_uint64, Resolution: cebra.Resolution{5, 5, 5}, Size: cebra.Point3d{32, 32, 32}})
	if _, err := Create(ctx, p.Store(), info); err == nil {
		t.Errorf("expected error creating a different layout over an existing pyramid")
	}

	img := makeTestPyramid(t, "mem://image", Image, cebra.T_uint8, cebra.Point3d{8, 8, 8}, cebra.Point3d{8, 8, 8})
	if _, found, _ := img.MaxID(ctx); found {
		t.Errorf("image pyramids should have no counter")
	}
}

func TestBatchWriteRead(t *testing.T) {
	ctx := context.Background()
	p := makeTestPyramid(t, t.TempDir(), Image, cebra.T_uint16, cebra.Point3d{20, 20, 20}, cebra.Point3d{8, 8, 8})
	empty, err := p.ReadRegion(ctx, 0, cebra.Point3d{-2, -2, -2}, cebra.Point3d{4, 4, 4})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if lo, hi := empty.MinMax(); lo != 0 || hi != 0 {
		t.Errorf("expected background read from empty pyramid")
	}

	// Covers chunk (1,1,1) fully and several others partially, and runs past the extent.
	vol := volume.NewFilled(cebra.T_uint16, cebra.Point3d{14, 14, 14}, 700)
	b := p.NewBatch()
	if err := b.WriteRegion(0, cebra.Point3d{7, 7, 7}, vol, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if b.NumStaged(0) != 27 {
		t.Errorf("expected 27 staged chunks, got %d", b.NumStaged(0))
	}
	if got, _ := p.ReadRegion(ctx, 0, cebra.Point3d{10, 10, 10}, cebra.Point3d{1, 1, 1}); got.Value(0) != 0 {
		t.Errorf("staged data visible before commit")
	}
	stats, err := b.Commit(ctx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if stats.Chunks != 27 || stats.Bytes == 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	got, err := p.ReadRegion(ctx, 0, cebra.Point3d{0, 0, 0}, cebra.Point3d{24, 24, 24})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for z := int32(0); z < 24; z++ {
		for y := int32(0); y < 24; y++ {
			for x := int32(0); x < 24; x++ {
				want := 0.0
				if x >= 7 && y >= 7 && z >= 7 && x < 20 && y < 20 && z < 20 {
					want = 700
				}
				if v := got.Value(got.Index(x, y, z)); v != want {
					t.Fatalf("(%d,%d,%d): expected %g, got %g", x, y, z, want, v)
				}
			}
		}
	}

	// A second write with background masking keeps existing voxels where it holds zero.
	patch, _ := volume.FromFloats(cebra.T_uint16, cebra.Point3d{2, 1, 1}, []float64{0, 5})
	skip := 0.0
	b = p.NewBatch()
	if err := b.WriteRegion(0, cebra.Point3d{7, 7, 7}, patch, &skip); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := b.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, _ = p.ReadRegion(ctx, 0, cebra.Point3d{7, 7, 7}, cebra.Point3d{3, 1, 1})
	if got.Value(0) != 700 || got.Value(1) != 5 || got.Value(2) != 700 {
		t.Errorf("masked write gave %g %g %g", got.Value(0), got.Value(1), got.Value(2))
	}

	if err := p.NewBatch().WriteRegion(0, cebra.Point3d{}, volume.New(cebra.T_uint8, cebra.Point3d{1, 1, 1}), nil); !errors.Is(err, cebra.ErrTypeMismatch) {
		t.Errorf("expected type mismatch, got %v", err)
	}
}

func TestDownsample(t *testing.T) {
	labels, _ := volume.FromLabels(cebra.T_uint64, cebra.Point3d{4, 2, 1}, []uint64{
		0, 0, 3, 2,
		0, 7, 2, 3,
	})
	got := Downsample(labels, cebra.Point3d{2, 2, 1}, labels.Size, Mode, 0)
	if got.Size != (cebra.Point3d{2, 1, 1}) {
		t.Fatalf("bad size %s", got.Size)
	}
	if got.Label(0) != 0 {
		t.Errorf("mode should count background like any label, got %d", got.Label(0))
	}
	if got.Label(1) != 2 {
		t.Errorf("tie should go to smallest label, got %d", got.Label(1))
	}
	fg := Downsample(labels, cebra.Point3d{2, 2, 1}, labels.Size, ModeForeground, 0)
	if fg.Label(0) != 7 || fg.Label(1) != 2 {
		t.Errorf("foreground mode should ignore background, got %d %d", fg.Label(0), fg.Label(1))
	}
	allBg := Downsample(volume.New(cebra.T_uint64, cebra.Point3d{2, 2, 2}), cebra.Point3d{2, 2, 2}, cebra.Point3d{2, 2, 2}, Mode, 0)
	if allBg.Label(0) != 0 {
		t.Errorf("all background block should stay background")
	}
	if fg := Downsample(volume.New(cebra.T_uint64, cebra.Point3d{2, 2, 2}), cebra.Point3d{2, 2, 2}, cebra.Point3d{2, 2, 2}, ModeForeground, 0); fg.Label(0) != 0 {
		t.Errorf("all background block should stay background in foreground mode")
	}

	vals, _ := volume.FromFloats(cebra.T_uint8, cebra.Point3d{4, 1, 1}, []float64{10, 21, 100, 200})
	factor := cebra.Point3d{2, 1, 1}
	if m := Downsample(vals, factor, vals.Size, Mean, 0); m.Value(0) != 16 || m.Value(1) != 150 {
		t.Errorf("bad mean %g %g", m.Value(0), m.Value(1))
	}
	if m := Downsample(vals, factor, vals.Size, Max, 0); m.Value(0) != 21 || m.Value(1) != 200 {
		t.Errorf("bad max")
	}
	if m := Downsample(vals, factor, vals.Size, Min, 0); m.Value(0) != 10 || m.Value(1) != 100 {
		t.Errorf("bad min")
	}
	if m := Downsample(vals, factor, vals.Size, Nearest, 0); m.Value(0) != 10 || m.Value(1) != 100 {
		t.Errorf("bad nearest")
	}
	// Only the first three voxels are inside the level.
	if m := Downsample(vals, factor, cebra.Point3d{3, 1, 1}, Mean, 0); m.Value(1) != 100 {
		t.Errorf("voxels outside the level should be ignored, got %g", m.Value(1))
	}
}

// checkConsistency verifies every coarser level equals the downsampled next finer level.
func checkConsistency(t *testing.T, p *Pyramid) {
	ctx := context.Background()
	info := p.Info()
	for level := 1; level < len(info.Levels); level++ {
		fineLevel := info.Levels[level-1]
		l := info.Levels[level]
		fine, err := p.ReadRegion(ctx, level-1, cebra.Point3d{}, l.Size.Mult(l.Factor))
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		want := Downsample(fine, l.Factor, fineLevel.Size, info.Downscale, info.Background)
		got, err := p.ReadRegion(ctx, level, cebra.Point3d{}, l.Size)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !got.Equal(want) {
			t.Fatalf("level %d is not the downsampled level %d", level, level-1)
		}
	}
}

func TestBatchDownscale(t *testing.T) {
	defer storage.ResetMemory()
	ctx := context.Background()
	p := makeTestPyramid(t, "mem://downscale", Segmentation, cebra.T_uint32, cebra.Point3d{30, 30, 30},
		cebra.Point3d{8, 8, 8}, cebra.Point3d{2, 2, 2}, cebra.Point3d{2, 2, 2})
	rng := rand.New(rand.NewSource(7))
	for n := 0; n < 6; n++ {
		size := cebra.Point3d{int32(3 + rng.Intn(9)), int32(3 + rng.Intn(9)), int32(3 + rng.Intn(9))}
		offset := cebra.Point3d{int32(rng.Intn(28)), int32(rng.Intn(28)), int32(rng.Intn(28))}
		labels := make([]uint64, size.Prod())
		for i := range labels {
			labels[i] = uint64(rng.Intn(4))
		}
		vol, _ := volume.FromLabels(cebra.T_uint32, size, labels)
		b := p.NewBatch()
		if err := b.WriteRegion(0, offset, vol, nil); err != nil {
			t.Fatalf("write: %v", err)
		}
		off, sz := offset, size
		for level := 0; level < 2; level++ {
			var err error
			if off, sz, err = b.Downscale(ctx, level, off, sz); err != nil {
				t.Fatalf("downscale: %v", err)
			}
		}
		if _, err := b.Commit(ctx); err != nil {
			t.Fatalf("commit: %v", err)
		}
		checkConsistency(t, p)
	}
	if _, _, err := p.NewBatch().Downscale(ctx, 2, cebra.Point3d{}, cebra.Point3d{1, 1, 1}); err == nil {
		t.Errorf("expected error downscaling below the last level")
	}
}

func TestReserveIDsConcurrent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	makeTestPyramid(t, dir, Segmentation, cebra.T_uint64, cebra.Point3d{16, 16, 16}, cebra.Point3d{16, 16, 16})

	type reservation struct{ first, n uint64 }
	const writers = 12
	results := make([]reservation, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Each writer opens its own store handle, as a separate task would.
			p, err := OpenRef(ctx, dir)
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			defer p.Close()
			n := uint64(i + 1)
			first, err := p.ReserveIDs(ctx, n, true)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			results[i] = reservation{first, n}
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].first < results[j].first })
	var total uint64
	next := uint64(1)
	for _, r := range results {
		if r.first != next {
			t.Fatalf("ranges not disjoint and contiguous: %+v", results)
		}
		next = r.first + r.n
		total += r.n
	}
	p, _ := OpenRef(ctx, dir)
	defer p.Close()
	maxID, _, _ := p.MaxID(ctx)
	if maxID != total {
		t.Errorf("expected counter %d, got %d", total, maxID)
	}
}

func TestReserveIDsPolicy(t *testing.T) {
	defer storage.ResetMemory()
	ctx := context.Background()
	img := makeTestPyramid(t, "mem://img", Image, cebra.T_uint8, cebra.Point3d{8, 8, 8}, cebra.Point3d{8, 8, 8})
	if _, err := img.ReserveIDs(ctx, 3, true); !errors.Is(err, cebra.ErrUniqueIDPolicyWithoutCounter) {
		t.Errorf("expected missing counter error, got %v", err)
	}
	seg := makeTestPyramid(t, "mem://seg8", Segmentation, cebra.T_uint8, cebra.Point3d{8, 8, 8}, cebra.Point3d{8, 8, 8})
	first, err := seg.ReserveIDs(ctx, 5, false)
	if err != nil || first != 1 {
		t.Fatalf("expected first id 1, got %d %v", first, err)
	}
	if maxID, _, _ := seg.MaxID(ctx); maxID != 0 {
		t.Errorf("unpersisted reservation changed counter to %d", maxID)
	}
	if _, err := seg.ReserveIDs(ctx, 300, true); !errors.Is(err, cebra.ErrTypeMismatch) {
		t.Errorf("expected label range error, got %v", err)
	}
	if got, _ := seg.RaiseMaxID(ctx, 40); got != 40 {
		t.Errorf("expected counter raised to 40, got %d", got)
	}
	if got, _ := seg.RaiseMaxID(ctx, 12); got != 40 {
		t.Errorf("counter must never decrease, got %d", got)
	}
}

func TestLedgerAndClaims(t *testing.T) {
	defer storage.ResetMemory()
	ctx := context.Background()
	p := makeTestPyramid(t, "mem://ledger", Segmentation, cebra.T_uint64, cebra.Point3d{64, 64, 64}, cebra.Point3d{32, 32, 32})
	for _, rec := range []LedgerRecord{{Block: 3, First: 11, Count: 4, Task: "b"}, {Block: 1, First: 1, Count: 10, Task: "a"}} {
		if err := p.AppendLedger(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	records, err := p.Ledger(ctx)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(records) != 2 || records[0].First != 1 || records[1].Block != 3 || records[1].Task != "b" || records[0].Time.IsZero() {
		t.Errorf("unexpected ledger %+v", records)
	}

	c0 := Claim{Block: 0, Offset: cebra.Point3d{0, 0, 0}, Size: cebra.Point3d{32, 32, 32}}
	c1 := Claim{Block: 1, Offset: cebra.Point3d{32, 0, 0}, Size: cebra.Point3d{32, 32, 32}}
	bad := Claim{Block: 2, Offset: cebra.Point3d{16, 16, 16}, Size: cebra.Point3d{32, 32, 32}}
	if err := p.Claim(ctx, c0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := p.Claim(ctx, c1); err != nil {
		t.Fatalf("claim of disjoint region: %v", err)
	}
	if err := p.Claim(ctx, c0); err != nil {
		t.Fatalf("re-claim by same block: %v", err)
	}
	if err := p.Claim(ctx, bad); !errors.Is(err, cebra.ErrOverlap) {
		t.Errorf("expected overlap, got %v", err)
	}
}

func TestDriftAndCache(t *testing.T) {
	defer storage.ResetMemory()
	ctx := context.Background()
	p := makeTestPyramid(t, "mem://raw", Image, cebra.T_uint8, cebra.Point3d{16, 16, 16}, cebra.Point3d{8, 8, 8})
	if table, err := p.Drift(ctx); err != nil || table != nil {
		t.Fatalf("expected no drift table, got %v %v", table, err)
	}
	if err := p.SetDrift(ctx, DriftTable{3: {1.5, -2}}); err != nil {
		t.Fatalf("set drift: %v", err)
	}
	table, err := p.Drift(ctx)
	if err != nil {
		t.Fatalf("drift: %v", err)
	}
	shifts := table.Shifts(2, 3)
	if shifts[0] != [2]float64{} || shifts[1] != [2]float64{1.5, -2} {
		t.Errorf("unexpected shifts %v", shifts)
	}

	b := p.NewBatch()
	b.WriteRegion(0, cebra.Point3d{}, volume.NewFilled(cebra.T_uint8, cebra.Point3d{8, 8, 8}, 9), nil)
	if _, err := b.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	cached := p.WithCache(4 * cebra.Mega)
	for i := 0; i < 2; i++ {
		v, err := cached.ReadRegion(ctx, 0, cebra.Point3d{}, cebra.Point3d{8, 8, 8})
		if err != nil || v.Value(0) != 9 {
			t.Fatalf("cached read failed: %v", err)
		}
	}
}
