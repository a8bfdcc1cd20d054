/*
	Package pyramid stores a dataset as a chunked multi-resolution pyramid on top of a
	storage.Store.  Level 0 holds the data at native resolution; each coarser level is
	derived from the next finer level by the store's downscale mode.  Segmentation stores
	also carry a global max-ID counter, a ledger of reserved ID ranges and optional block
	claims used to detect overlapping writers.
*/
package pyramid

import (
	"encoding/json"
	"fmt"

	"github.com/blang/semver"

	"github.com/dokempf/CebraEM/cebra"
)

// Keys of the persisted layout.
const (
	InfoKey      = "info"
	MaxIDKey     = "max_id"
	DriftKey     = "drift.json"
	LedgerPrefix = "ids/"
	ClaimPrefix  = "claims/"

	MaxIDLock = "maxid"
	ClaimLock = "claims"
)

// FormatVersion is the version of the persisted layout written by this package.  Stores
// with a different major version cannot be opened.
var FormatVersion = semver.MustParse("1.0.0")

// Kind distinguishes continuous data from label data.
type Kind string

const (
	Image        Kind = "image"
	Segmentation Kind = "segmentation"
)

// Valid returns true for a known kind.
func (k Kind) Valid() bool {
	return k == Image || k == Segmentation
}

// DownscaleMode is the reduction applied to each block of finer voxels.
type DownscaleMode string

const (
	Mode    DownscaleMode = "mode"
	Mean    DownscaleMode = "mean"
	Max     DownscaleMode = "max"
	Min     DownscaleMode = "min"
	Nearest DownscaleMode = "nearest"

	// ModeForeground votes among non-background labels only, so thin objects survive
	// downscaling.
	ModeForeground DownscaleMode = "mode_foreground"
)

// labelVote returns true for the modes that vote on labels.
func (m DownscaleMode) labelVote() bool {
	return m == Mode || m == ModeForeground
}

// Valid returns true for a known mode.
func (m DownscaleMode) Valid() bool {
	switch m {
	case Mode, ModeForeground, Mean, Max, Min, Nearest:
		return true
	}
	return false
}

// Level describes one resolution level.  Factor is relative to the previous level and is
// (1,1,1) for level 0.
type Level struct {
	Resolution cebra.Resolution `json:"resolution"`
	Size       cebra.Point3d    `json:"size"`
	ChunkSize  cebra.Point3d    `json:"chunk_size"`
	Factor     cebra.Point3d    `json:"factor"`
}

// NumChunks returns the number of chunks along each axis.
func (l Level) NumChunks() cebra.Point3d {
	return l.Size.CeilDiv(l.ChunkSize)
}

// Info is the metadata persisted under InfoKey.
type Info struct {
	FormatVersion string            `json:"format_version"`
	Kind          Kind              `json:"type"`
	DataType      cebra.DataType    `json:"data_type"`
	Background    float64           `json:"background"`
	Downscale     DownscaleMode     `json:"downscale_mode"`
	Compression   cebra.Compression `json:"compression"`
	Levels        []Level           `json:"levels"`
}

// Options specify a new pyramid.
type Options struct {
	Kind        Kind
	DataType    cebra.DataType
	Background  float64
	Downscale   DownscaleMode
	Compression cebra.Compression
	Resolution  cebra.Resolution
	Size        cebra.Point3d
	ChunkSize   cebra.Point3d
	Factors     []cebra.Point3d // one per level beyond level 0
}

// NewInfo derives the level layout for a new pyramid.  Each level's size is the ceiling of
// the previous size divided by its factor.
func NewInfo(opts Options) (Info, error) {
	if !opts.Kind.Valid() {
		return Info{}, fmt.Errorf("unknown pyramid type %q", opts.Kind)
	}
	if !opts.DataType.Valid() {
		return Info{}, fmt.Errorf("%w: %s", cebra.ErrUnsupportedType, opts.DataType)
	}
	if opts.Downscale == "" {
		opts.Downscale = Mean
		if opts.Kind == Segmentation {
			opts.Downscale = Mode
		}
	}
	if !opts.Downscale.Valid() {
		return Info{}, fmt.Errorf("unknown downscale mode %q", opts.Downscale)
	}
	if opts.Downscale.labelVote() && opts.DataType.IsFloat() {
		return Info{}, fmt.Errorf("%w: mode downscaling needs an integer type, not %s", cebra.ErrUnsupportedType, opts.DataType)
	}
	if err := opts.Resolution.Validate(); err != nil {
		return Info{}, err
	}
	if !opts.Size.Positive() {
		return Info{}, fmt.Errorf("pyramid size %s must be positive", opts.Size)
	}
	if opts.ChunkSize.IsZero() {
		opts.ChunkSize = cebra.Point3d{64, 64, 64}
	}
	if !opts.ChunkSize.Positive() {
		return Info{}, fmt.Errorf("chunk size %s must be positive", opts.ChunkSize)
	}
	info := Info{
		FormatVersion: FormatVersion.String(),
		Kind:          opts.Kind,
		DataType:      opts.DataType,
		Background:    opts.Background,
		Downscale:     opts.Downscale,
		Compression:   opts.Compression,
	}
	level := Level{
		Resolution: opts.Resolution,
		Size:       opts.Size,
		ChunkSize:  opts.ChunkSize,
		Factor:     cebra.Point3d{1, 1, 1},
	}
	info.Levels = append(info.Levels, level)
	for i, factor := range opts.Factors {
		if !factor.Positive() {
			return Info{}, fmt.Errorf("downscale factor %d (%s) must be positive", i, factor)
		}
		level = Level{
			Resolution: level.Resolution.Scale(factor),
			Size:       level.Size.CeilDiv(factor),
			ChunkSize:  opts.ChunkSize,
			Factor:     factor,
		}
		info.Levels = append(info.Levels, level)
	}
	return info, nil
}

// CumulativeFactor returns the product of factors from level 0 down to level.
func (info Info) CumulativeFactor(level int) cebra.Point3d {
	f := cebra.Point3d{1, 1, 1}
	for i := 1; i <= level && i < len(info.Levels); i++ {
		f = f.Mult(info.Levels[i].Factor)
	}
	return f
}

func (info Info) validate() error {
	ver, err := semver.Parse(info.FormatVersion)
	if err != nil {
		return fmt.Errorf("bad format version %q: %v", info.FormatVersion, err)
	}
	if ver.Major != FormatVersion.Major {
		return fmt.Errorf("format version %s not supported (want %d.x)", ver, FormatVersion.Major)
	}
	if len(info.Levels) == 0 {
		return fmt.Errorf("pyramid has no levels")
	}
	if !info.DataType.Valid() {
		return fmt.Errorf("%w: %s", cebra.ErrUnsupportedType, info.DataType)
	}
	for i, level := range info.Levels {
		if err := level.Resolution.Validate(); err != nil {
			return fmt.Errorf("level %d: %w", i, err)
		}
		if !level.ChunkSize.Positive() || !level.Factor.Positive() {
			return fmt.Errorf("level %d has non-positive chunk size or factor", i)
		}
	}
	return nil
}

func (info Info) marshal() ([]byte, error) {
	return json.MarshalIndent(info, "", "  ")
}

func unmarshalInfo(data []byte) (Info, error) {
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, err
	}
	return info, info.validate()
}
