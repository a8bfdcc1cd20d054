package compute

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/dokempf/CebraEM/cebra"
	"github.com/dokempf/CebraEM/volume"
)

// Environment variables describing the volume handed to an external command.
const (
	EnvShape       = "CEBRA_SHAPE"
	EnvChannels    = "CEBRA_CHANNELS"
	EnvDataType    = "CEBRA_DTYPE"
	EnvOutputType  = "CEBRA_OUT_DTYPE"
	EnvParamPrefix = "CEBRA_PARAM_"
)

// Exec runs an external command per block.  The input voxels are written to its stdin as
// raw little endian values, x fastest, and the command writes the result of OutputType with
// the same spatial shape to stdout.
type Exec struct {
	Command    []string
	OutputType cebra.DataType
}

func newExec(m Method, out cebra.DataType) (*Exec, error) {
	if len(m.Command) == 0 {
		return nil, fmt.Errorf("exec method needs a command")
	}
	return &Exec{Command: m.Command, OutputType: out}, nil
}

func (e *Exec) run(ctx context.Context, v *volume.Volume, env []string) (*volume.Volume, error) {
	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%d,%d,%d", EnvShape, v.Size[0], v.Size[1], v.Size[2]),
		fmt.Sprintf("%s=%d", EnvChannels, v.Channels),
		fmt.Sprintf("%s=%s", EnvDataType, v.Type),
		fmt.Sprintf("%s=%s", EnvOutputType, e.OutputType),
	)
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdin = bytes.NewReader(v.Data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	timedLog := cebra.NewTimeLog()
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("command %q failed: %v: %s", strings.Join(e.Command, " "), err, strings.TrimSpace(stderr.String()))
	}
	timedLog.Debugf("Ran %q on %s", e.Command[0], v)

	voxelBytes := int(v.NumVoxels()) * e.OutputType.Bytes()
	data := stdout.Bytes()
	if voxelBytes == 0 || len(data) == 0 || len(data)%voxelBytes != 0 {
		return nil, fmt.Errorf("%w: command returned %d bytes for %d voxels of %s", cebra.ErrShapeMismatch, len(data), v.NumVoxels(), e.OutputType)
	}
	return &volume.Volume{
		Type:     e.OutputType,
		Size:     v.Size,
		Channels: int32(len(data) / voxelBytes),
		Data:     data,
	}, nil
}

func (e *Exec) Predict(ctx context.Context, v *volume.Volume) (*volume.Volume, error) {
	return e.run(ctx, v, nil)
}

func (e *Exec) Segment(ctx context.Context, v *volume.Volume, p Params) (*volume.Volume, error) {
	env := []string{
		fmt.Sprintf("%sTHRESHOLD=%g", EnvParamPrefix, p.Threshold),
		fmt.Sprintf("%sMIN_SIZE=%d", EnvParamPrefix, p.MinSize),
	}
	for key, value := range p.Extra {
		env = append(env, fmt.Sprintf("%s%s=%s", EnvParamPrefix, strings.ToUpper(key), value))
	}
	return e.run(ctx, v, env)
}
