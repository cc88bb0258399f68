package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/tensoralign/internal/align"
	"github.com/banshee-data/tensoralign/internal/artifact"
	"github.com/banshee-data/tensoralign/internal/resample"
)

// DefaultConfigPath is the path to the canonical pipeline defaults file.
const DefaultConfigPath = "config/pipeline.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Rect is a half-open pixel rectangle, as [row0, row1, col0, col1].
type Rect [4]int

// PipelineConfig is the root configuration for an alignment run. Every field
// is optional; the Get* methods supply defaults for fields left unset.
type PipelineConfig struct {
	// Alignment
	Policies     []string `json:"policies,omitempty" yaml:"policies,omitempty"`
	Workers      *int     `json:"workers,omitempty" yaml:"workers,omitempty"`
	OnTrialError *string  `json:"on_trial_error,omitempty" yaml:"on_trial_error,omitempty"` // "abort" or "exclude"
	SNRThreshold *float64 `json:"snr_threshold,omitempty" yaml:"snr_threshold,omitempty"`

	// Clock fallbacks for trials that carry no rate of their own
	BehaviorRate *float64 `json:"behavior_rate,omitempty" yaml:"behavior_rate,omitempty"`
	ImagingRate  *float64 `json:"imaging_rate,omitempty" yaml:"imaging_rate,omitempty"`

	// Post-alignment scaling
	Normalize     *string `json:"normalize,omitempty" yaml:"normalize,omitempty"` // "zscore", "minmax" or "none"
	NormalizeAxis *int    `json:"normalize_axis,omitempty" yaml:"normalize_axis,omitempty"`

	// Line removal
	LocalMaxThreshold   *float64 `json:"local_max_threshold,omitempty" yaml:"local_max_threshold,omitempty"`
	LocalMaxRadius      *int     `json:"local_max_radius,omitempty" yaml:"local_max_radius,omitempty"`
	ChannelThreshold    *float64 `json:"channel_threshold,omitempty" yaml:"channel_threshold,omitempty"`
	CorrectionThreshold *float64 `json:"correction_threshold,omitempty" yaml:"correction_threshold,omitempty"`
	CorrectionRadius    *int     `json:"correction_radius,omitempty" yaml:"correction_radius,omitempty"`
	ProxyMasks          []Rect   `json:"proxy_masks,omitempty" yaml:"proxy_masks,omitempty"`

	// Output
	DatabasePath *string  `json:"database_path,omitempty" yaml:"database_path,omitempty"`
	HeatmapBound *float64 `json:"heatmap_bound,omitempty" yaml:"heatmap_bound,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyPipelineConfig returns a PipelineConfig with every field unset.
func EmptyPipelineConfig() *PipelineConfig {
	return &PipelineConfig{}
}

// Load reads a PipelineConfig from a .json, .yaml or .yml file. Fields
// omitted from the file keep their defaults, so partial configs are safe.
func Load(path string) (*PipelineConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyPipelineConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents up to the repository root. It panics when the
// file cannot be found; intended for tests.
func MustLoadDefaultConfig() *PipelineConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/tensoralign/
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are usable.
func (c *PipelineConfig) Validate() error {
	for i, s := range c.Policies {
		if _, err := resample.ParsePolicy(s); err != nil {
			return fmt.Errorf("policies[%d]: %w", i, err)
		}
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}
	if c.OnTrialError != nil {
		if _, err := parseErrorPolicy(*c.OnTrialError); err != nil {
			return err
		}
	}
	for name, rate := range map[string]*float64{"behavior_rate": c.BehaviorRate, "imaging_rate": c.ImagingRate} {
		if rate != nil && !(*rate > 0) {
			return fmt.Errorf("%s must be positive, got %f", name, *rate)
		}
	}
	if c.Normalize != nil {
		switch *c.Normalize {
		case "zscore", "minmax", "none", "":
		default:
			return fmt.Errorf("normalize must be zscore, minmax or none, got %q", *c.Normalize)
		}
	}
	if c.NormalizeAxis != nil && (*c.NormalizeAxis < 0 || *c.NormalizeAxis > 2) {
		return fmt.Errorf("normalize_axis must be 0, 1 or 2, got %d", *c.NormalizeAxis)
	}
	if c.LocalMaxRadius != nil && *c.LocalMaxRadius < 0 {
		return fmt.Errorf("local_max_radius must be non-negative, got %d", *c.LocalMaxRadius)
	}
	if c.CorrectionRadius != nil && *c.CorrectionRadius < 0 {
		return fmt.Errorf("correction_radius must be non-negative, got %d", *c.CorrectionRadius)
	}
	for i, r := range c.ProxyMasks {
		if r[0] < 0 || r[2] < 0 || r[1] <= r[0] || r[3] <= r[2] {
			return fmt.Errorf("proxy_masks[%d] %v is empty or negative", i, r)
		}
	}
	if c.HeatmapBound != nil && !(*c.HeatmapBound > 0) {
		return fmt.Errorf("heatmap_bound must be positive, got %f", *c.HeatmapBound)
	}
	return nil
}

func parseErrorPolicy(s string) (align.ErrorPolicy, error) {
	switch strings.ToLower(s) {
	case "", "abort":
		return align.Abort, nil
	case "exclude":
		return align.Exclude, nil
	}
	return 0, fmt.Errorf("on_trial_error must be abort or exclude, got %q", s)
}

// GetPolicies parses the interval policies. A config with no policies
// resamples each trial as one interval to the mean length.
func (c *PipelineConfig) GetPolicies() ([]resample.Policy, error) {
	if len(c.Policies) == 0 {
		return []resample.Policy{resample.InterpolateMean()}, nil
	}
	out := make([]resample.Policy, len(c.Policies))
	for i, s := range c.Policies {
		p, err := resample.ParsePolicy(s)
		if err != nil {
			return nil, fmt.Errorf("policies[%d]: %w", i, err)
		}
		out[i] = p
	}
	return out, nil
}

// GetWorkers returns the workers value or the default (0, one per CPU).
func (c *PipelineConfig) GetWorkers() int {
	if c.Workers == nil {
		return 0
	}
	return *c.Workers
}

// GetOnTrialError returns the trial error policy or the default, Abort.
func (c *PipelineConfig) GetOnTrialError() align.ErrorPolicy {
	if c.OnTrialError == nil {
		return align.Abort
	}
	p, err := parseErrorPolicy(*c.OnTrialError)
	if err != nil {
		return align.Abort
	}
	return p
}

// GetSNRThreshold returns the snr_threshold value or the default.
func (c *PipelineConfig) GetSNRThreshold() float64 {
	if c.SNRThreshold == nil {
		return 0
	}
	return *c.SNRThreshold
}

// GetBehaviorRate returns the behavior_rate value or the default.
func (c *PipelineConfig) GetBehaviorRate() float64 {
	if c.BehaviorRate == nil {
		return 60
	}
	return *c.BehaviorRate
}

// GetImagingRate returns the imaging_rate value or the default.
func (c *PipelineConfig) GetImagingRate() float64 {
	if c.ImagingRate == nil {
		return 30
	}
	return *c.ImagingRate
}

// GetNormalize returns the normalize mode or the default.
func (c *PipelineConfig) GetNormalize() string {
	if c.Normalize == nil || *c.Normalize == "" {
		return "zscore"
	}
	return *c.Normalize
}

// GetNormalizeAxis returns the axis to scale along; the default is time.
func (c *PipelineConfig) GetNormalizeAxis() int {
	if c.NormalizeAxis == nil {
		return 2
	}
	return *c.NormalizeAxis
}

// GetDatabasePath returns the database_path value or the default.
func (c *PipelineConfig) GetDatabasePath() string {
	if c.DatabasePath == nil || *c.DatabasePath == "" {
		return "tensoralign.db"
	}
	return *c.DatabasePath
}

// GetHeatmapBound returns the number of standard deviations the heatmap
// palette spans on each side of zero.
func (c *PipelineConfig) GetHeatmapBound() float64 {
	if c.HeatmapBound == nil {
		return 3
	}
	return *c.HeatmapBound
}

// AlignConfig converts the alignment fields into an align.Config.
func (c *PipelineConfig) AlignConfig() (align.Config, error) {
	policies, err := c.GetPolicies()
	if err != nil {
		return align.Config{}, err
	}
	cfg := align.Config{
		Policies:     policies,
		Workers:      c.GetWorkers(),
		OnTrialError: c.GetOnTrialError(),
	}
	return cfg, cfg.Validate()
}

// LineRemovalParams converts the line removal fields into artifact.Params.
func (c *PipelineConfig) LineRemovalParams() artifact.Params {
	p := artifact.Params{
		LocalMaxThreshold:   100,
		LocalMaxRadius:      3,
		ChannelThreshold:    50,
		CorrectionThreshold: 150,
		CorrectionRadius:    2,
	}
	if c.LocalMaxThreshold != nil {
		p.LocalMaxThreshold = *c.LocalMaxThreshold
	}
	if c.LocalMaxRadius != nil {
		p.LocalMaxRadius = *c.LocalMaxRadius
	}
	if c.ChannelThreshold != nil {
		p.ChannelThreshold = *c.ChannelThreshold
	}
	if c.CorrectionThreshold != nil {
		p.CorrectionThreshold = *c.CorrectionThreshold
	}
	if c.CorrectionRadius != nil {
		p.CorrectionRadius = *c.CorrectionRadius
	}
	return p
}

// Masks converts ProxyMasks into artifact rectangles.
func (c *PipelineConfig) Masks() []artifact.Rect {
	out := make([]artifact.Rect, len(c.ProxyMasks))
	for i, r := range c.ProxyMasks {
		out[i] = artifact.Rect{Row0: r[0], Row1: r[1], Col0: r[2], Col1: r[3]}
	}
	return out
}
