package compute

import (
	"context"
	"os/exec"
	"testing"

	"github.com/dokempf/CebraEM/cebra"
	"github.com/dokempf/CebraEM/dispatch"
	"github.com/dokempf/CebraEM/volume"
)

func TestRegistryConventions(t *testing.T) {
	r := NewRegistry()
	f, conv, err := r.Func(MembranePrediction, Method{Name: "constant"})
	if err != nil {
		t.Fatalf("constant predictor: %v", err)
	}
	if conv.Fill != dispatch.FillZero || conv.OutputType != cebra.T_uint8 {
		t.Errorf("unexpected prediction convention %+v", conv)
	}
	out, err := f(context.Background(), volume.New(cebra.T_uint8, cebra.Point3d{2, 2, 2}))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	for i, v := range out.Data {
		if v != 255 {
			t.Fatalf("voxel %d = %d, expected 255", i, v)
		}
	}

	_, conv, err = r.Func(Supervoxels, Method{Name: "threshold"})
	if err != nil {
		t.Fatalf("threshold segmenter: %v", err)
	}
	if conv.OutputType != cebra.T_uint64 || conv.Background != 0 {
		t.Errorf("unexpected supervoxel convention %+v", conv)
	}

	if _, _, err := r.Func(Supervoxels, Method{Name: "constant"}); err == nil {
		t.Errorf("constant is not a segmenter")
	}
	if _, _, err := r.Func(MembranePrediction, Method{Name: "exec"}); err == nil {
		t.Errorf("exec without a command should fail")
	}
	if _, _, err := r.Func("stitching", Method{Name: "constant"}); err == nil {
		t.Errorf("unknown role should fail")
	}
	if names := r.Methods(Supervoxels); len(names) != 2 || names[0] != "exec" || names[1] != "threshold" {
		t.Errorf("unexpected segmenters %v", names)
	}
}

func TestThresholdComponents(t *testing.T) {
	// A basin left of a boundary slab at x>=2, plus a lone voxel dropped by min_size.
	size := cebra.Point3d{5, 3, 3}
	in := volume.NewFilled(cebra.T_uint8, size, 10)
	for z := int32(0); z < 3; z++ {
		for y := int32(0); y < 3; y++ {
			for x := int32(2); x < 5; x++ {
				in.Data[in.Index(x, y, z)] = 200
			}
		}
	}
	in.Data[in.Index(4, 2, 0)] = 10
	out, err := Threshold{}.Segment(context.Background(), in, Params{MinSize: 2})
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	if lbl := out.Label(out.Index(0, 0, 0)); lbl != 1 {
		t.Errorf("left basin labeled %d", lbl)
	}
	if lbl := out.Label(out.Index(1, 2, 2)); lbl != 1 {
		t.Errorf("left basin not connected, got %d", lbl)
	}
	if lbl := out.Label(out.Index(2, 1, 1)); lbl != 0 {
		t.Errorf("boundary labeled %d", lbl)
	}
	if lbl := out.Label(out.Index(4, 2, 0)); lbl != 0 {
		t.Errorf("single-voxel component should be dropped, got %d", lbl)
	}
	if top := out.MaxLabel(); top != 1 {
		t.Errorf("expected one kept component, got max label %d", top)
	}

	out, _ = Threshold{}.Segment(context.Background(), in, Params{})
	if top := out.MaxLabel(); top != 2 {
		t.Errorf("without min size both components are kept, got max label %d", top)
	}
}

func TestExecPredictor(t *testing.T) {
	cat, err := exec.LookPath("cat")
	if err != nil {
		t.Skip("cat not available")
	}
	r := NewRegistry()
	f, _, err := r.Func(MembranePrediction, Method{Name: "exec", Command: []string{cat}})
	if err != nil {
		t.Fatalf("exec predictor: %v", err)
	}
	in := volume.New(cebra.T_uint8, cebra.Point3d{3, 2, 2})
	for i := range in.Data {
		in.Data[i] = uint8(i * 7)
	}
	out, err := f(context.Background(), in)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if !out.Equal(in) {
		t.Errorf("cat should echo the input")
	}

	f, _, _ = r.Func(Supervoxels, Method{Name: "exec", Command: []string{cat}})
	if _, err := f(context.Background(), in); err == nil {
		t.Errorf("12 bytes cannot hold 12 uint64 labels")
	}
}
