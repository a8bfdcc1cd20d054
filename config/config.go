/*
	Package config loads a project configuration: a TOML file with typed sections that is
	checked against an embedded JSON schema and then by the semantic rules a block run
	depends on.  Relative paths are resolved against the directory of the file.
*/
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dokempf/CebraEM/cebra"
	"github.com/dokempf/CebraEM/compute"
	"github.com/dokempf/CebraEM/pyramid"
	"github.com/dokempf/CebraEM/storage"
)

const (
	// RawName is the dependency name of the raw data.
	RawName = "raw"

	// MaskName is the dependency name of the mask, added to every dataset if configured.
	MaskName = "mask"

	DefaultMaxOpen = 16
)

//go:embed schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("schema.json", schemaJSON)

// Config is a decoded project configuration.
type Config struct {
	Logging  cebra.LogConfig     `toml:"logging"`
	Project  ProjectConfig       `toml:"project"`
	Kafka    storage.KafkaConfig `toml:"kafka"`
	Server   ServerConfig        `toml:"server"`
	Raw      RawConfig           `toml:"raw"`
	Mask     *MaskConfig         `toml:"mask"`
	Datasets map[string]*Dataset `toml:"datasets"`

	location string
}

type ProjectConfig struct {
	Markers      string `toml:"markers"`
	CheckOverlap bool   `toml:"check_overlap"`
	CacheMB      int    `toml:"cache_mb"`
	MaxOpen      int    `toml:"max_open"`
	Verbose      bool   `toml:"verbose"`
}

type ServerConfig struct {
	HTTPAddress    string   `toml:"http_address"`
	JWTSecret      string   `toml:"jwt_secret"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// RawConfig is the raw intensity input.  A zero resolution uses the stored one.
type RawConfig struct {
	Path          string           `toml:"path"`
	Resolution    cebra.Resolution `toml:"resolution"`
	Invert        bool             `toml:"invert"`
	XCorr         bool             `toml:"xcorr"`
	XCorrMaxShift int              `toml:"xcorr_max_shift"`
	Quantiles     string           `toml:"quantiles"`
}

// MaskConfig is an optional label volume whose IDs mark the region worth computing.
type MaskConfig struct {
	Path       string           `toml:"path"`
	Resolution cebra.Resolution `toml:"resolution"`
	IDs        []uint64         `toml:"ids"`
}

// WritePolicy is the [datasets.<name>.writing] section.
type WritePolicy struct {
	Downscale    pyramid.DownscaleMode `toml:"downscale_mode"`
	Background   *float64              `toml:"background"`
	UniqueLabels bool                  `toml:"unique_labels"`
	UpdateMaxID  bool                  `toml:"update_max_id"`
	CastType     *cebra.DataType       `toml:"dtype"`
}

// Dataset describes a computed output layer.
type Dataset struct {
	Kind             pyramid.Kind       `toml:"kind"`
	Path             string             `toml:"path"`
	Resolution       cebra.Resolution   `toml:"resolution"`
	Dependencies     []string           `toml:"dependencies"`
	Compute          string             `toml:"compute"`
	Command          []string           `toml:"command"`
	Halo             cebra.Point3d      `toml:"halo"`
	BlockShape       cebra.Point3d      `toml:"block_shape"`
	Positions        string             `toml:"positions"`
	QuantileNorm     map[string]float64 `toml:"quantile_norm"`
	ChunkSize        cebra.Point3d      `toml:"chunk_size"`
	DownscaleFactors []cebra.Point3d    `toml:"downscale_factors"`
	Compression      cebra.Compression  `toml:"compression"`
	DataType         *cebra.DataType    `toml:"data_type"`
	Writing          WritePolicy        `toml:"writing"`
	Params           compute.Params     `toml:"params"`
}

// Role returns the computation a dataset of this kind runs.
func (d *Dataset) Role() compute.Role {
	if d.Kind == pyramid.Segmentation {
		return compute.Supervoxels
	}
	return compute.MembranePrediction
}

// Method returns the compute method configured for the dataset.
func (d *Dataset) Method() compute.Method {
	return compute.Method{Name: d.Compute, Command: d.Command, Params: d.Params}
}

// Location returns the file the configuration was loaded from.
func (c *Config) Location() string {
	return c.location
}

// DatasetNames returns the configured dataset names in sorted order.
func (c *Config) DatasetNames() []string {
	names := make([]string, 0, len(c.Datasets))
	for name := range c.Datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dataset returns the named dataset.
func (c *Config) Dataset(name string) (*Dataset, error) {
	d, found := c.Datasets[name]
	if !found {
		return nil, fmt.Errorf("%w: no dataset %q configured", cebra.ErrDatasetUnavailable, name)
	}
	return d, nil
}

// Load reads and validates the TOML configuration at filename.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(filename)
	if err != nil {
		return nil, err
	}
	c, err := Parse(data, filepath.Dir(abs))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", filename, err)
	}
	c.location = abs
	return c, nil
}

// Parse decodes and validates a TOML configuration, resolving relative paths against dir.
func Parse(data []byte, dir string) (*Config, error) {
	var doc map[string]interface{}
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, fmt.Errorf("could not decode TOML config: %v", err)
	}
	if err := validateSchema(doc); err != nil {
		return nil, err
	}
	var c Config
	if _, err := toml.Decode(string(data), &c); err != nil {
		return nil, fmt.Errorf("could not decode TOML config: %v", err)
	}
	if c.Project.MaxOpen == 0 {
		c.Project.MaxOpen = DefaultMaxOpen
	}
	if c.Project.Markers == "" {
		c.Project.Markers = "markers"
	}
	for _, d := range c.Datasets {
		// Reserved label ranges are always persisted.
		if d != nil && d.Writing.UniqueLabels {
			d.Writing.UpdateMaxID = true
		}
	}
	if err := c.convertPathsToAbsolute(dir); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// validateSchema checks the JSON form of the decoded TOML document.
func validateSchema(doc map[string]interface{}) error {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return err
	}
	if err := schema.Validate(v); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("invalid configuration: %#v", verr)
		}
		return fmt.Errorf("invalid configuration: %v", err)
	}
	return nil
}

func (c *Config) convertPathsToAbsolute(dir string) error {
	paths := []*string{&c.Logging.Logfile, &c.Project.Markers, &c.Kafka.FailedStore, &c.Raw.Path, &c.Raw.Quantiles}
	if c.Mask != nil {
		paths = append(paths, &c.Mask.Path)
	}
	for _, name := range c.DatasetNames() {
		d := c.Datasets[name]
		paths = append(paths, &d.Path, &d.Positions)
	}
	for _, p := range paths {
		abs, err := cebra.ConvertToAbsolute(*p, dir)
		if err != nil {
			return fmt.Errorf("error converting %q to absolute path: %v", *p, err)
		}
		*p = abs
	}
	return nil
}

// Validate applies the semantic checks the schema cannot express.
func (c *Config) Validate() error {
	if c.Raw.Resolution != (cebra.Resolution{}) {
		if err := c.Raw.Resolution.Validate(); err != nil {
			return fmt.Errorf("raw: %w", err)
		}
	}
	if c.Mask != nil {
		if len(c.Mask.IDs) == 0 {
			return fmt.Errorf("mask %s: %w", c.Mask.Path, cebra.ErrMaskPolicyConflict)
		}
		if c.Mask.Resolution != (cebra.Resolution{}) {
			if err := c.Mask.Resolution.Validate(); err != nil {
				return fmt.Errorf("mask: %w", err)
			}
		}
	}
	for _, name := range c.DatasetNames() {
		if err := c.validateDataset(name, c.Datasets[name]); err != nil {
			return fmt.Errorf("dataset %q: %w", name, err)
		}
	}
	return nil
}

func (c *Config) validateDataset(name string, d *Dataset) error {
	if name == RawName || name == MaskName {
		return fmt.Errorf("name is reserved")
	}
	if err := d.Resolution.Validate(); err != nil {
		return err
	}
	if !d.BlockShape.Positive() {
		return fmt.Errorf("block shape %s must be positive", d.BlockShape)
	}
	for _, dep := range d.Dependencies {
		if dep == name {
			return fmt.Errorf("dataset depends on itself")
		}
		if _, found := c.Datasets[dep]; !found && dep != RawName {
			return fmt.Errorf("unknown dependency %q", dep)
		}
	}
	if d.Kind != pyramid.Segmentation && (d.Writing.UniqueLabels || d.Writing.UpdateMaxID) {
		return fmt.Errorf("unique labels and max id updates need a segmentation dataset, not %s", d.Kind)
	}
	if len(d.QuantileNorm) > 0 && c.Raw.Quantiles == "" {
		return fmt.Errorf("quantile_norm needs a quantile table in [raw]")
	}
	factor := cebra.Point3d{1, 1, 1}
	for _, f := range d.DownscaleFactors {
		if !f.Positive() {
			return fmt.Errorf("downscale factor %s must be positive", f)
		}
		factor = factor.Mult(f)
	}
	for i := 0; i < 3; i++ {
		if d.BlockShape[i]%factor[i] != 0 {
			cebra.Warningf("Dataset %q block shape %s is not a multiple of the cumulative downscale factor %s\n", name, d.BlockShape, factor)
			break
		}
	}
	return nil
}

// LoadPositions reads a JSON array of [x, y, z] block positions indexed by block.
func LoadPositions(filename string) ([]cebra.Point3d, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var positions []cebra.Point3d
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("bad positions file %s: %v", filename, err)
	}
	return positions, nil
}
