package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for calibration tuning
// parameters. Every field is optional; omitted fields fall back to the
// defaults returned by the Get* accessors, so partial files are safe.
type TuningConfig struct {
	// Blob preprocessing
	ThresholdRatio *float64 `json:"threshold_ratio,omitempty"`
	BlackOnWhite   *bool    `json:"black_on_white,omitempty"`

	// Conic validation
	ConicMinArea    *float64 `json:"conic_min_area,omitempty"`
	ConicMinDensity *float64 `json:"conic_min_density,omitempty"`
	ConicMinAspect  *float64 `json:"conic_min_aspect,omitempty"`

	// Target geometry
	GridCols    *int     `json:"grid_cols,omitempty"`
	GridRows    *int     `json:"grid_rows,omitempty"`
	GridSpacing *float64 `json:"grid_spacing,omitempty"` // metres between dot centres
	GridSeed    *int64   `json:"grid_seed,omitempty"`    // seed of the large/small dot pattern

	// Grid decoding and correspondence
	LineAngleToleranceDeg *float64 `json:"line_angle_tolerance_deg,omitempty"`
	LineDistanceTolerance *float64 `json:"line_distance_tolerance,omitempty"` // fraction of running step
	MinLineLength         *int     `json:"min_line_length,omitempty"`
	MinSizeRatio          *float64 `json:"min_size_ratio,omitempty"`
	MinCodeVotes          *int     `json:"min_code_votes,omitempty"`
	MaxAssignDistance     *float64 `json:"max_assign_distance,omitempty"` // in grid spacings
	CodeMismatchPenalty   *float64 `json:"code_mismatch_penalty,omitempty"`
	AcceptCost            *float64 `json:"accept_cost,omitempty"`
	MinVisibleFraction    *float64 `json:"min_visible_fraction,omitempty"`
	AssignRefineRounds    *int     `json:"assign_refine_rounds,omitempty"`

	// Robust pose estimation
	RansacIterations      *int     `json:"ransac_iterations,omitempty"`
	RansacInlierPx        *float64 `json:"ransac_inlier_px,omitempty"`
	RansacSupportFraction *float64 `json:"ransac_support_fraction,omitempty"`
	RansacMinInliers      *int     `json:"ransac_min_inliers,omitempty"`
	RansacSeed            *int64   `json:"ransac_seed,omitempty"`
	PoseRefineIterations  *int     `json:"pose_refine_iterations,omitempty"`

	// Incremental calibration engine
	PassMaxIterations *int     `json:"pass_max_iterations,omitempty"`
	PassTolerance     *float64 `json:"pass_tolerance,omitempty"`
	IdleInterval      *string  `json:"idle_interval,omitempty"` // duration string like "50ms"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrInt64(v int64) *int64       { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// All Get* accessors then return built-in defaults.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated from
// the built-in defaults. It is what config/tuning.defaults.json contains.
func DefaultTuningConfig() *TuningConfig {
	e := EmptyTuningConfig()
	return &TuningConfig{
		ThresholdRatio:        ptrFloat64(e.GetThresholdRatio()),
		BlackOnWhite:          ptrBool(e.GetBlackOnWhite()),
		ConicMinArea:          ptrFloat64(e.GetConicMinArea()),
		ConicMinDensity:       ptrFloat64(e.GetConicMinDensity()),
		ConicMinAspect:        ptrFloat64(e.GetConicMinAspect()),
		GridCols:              ptrInt(e.GetGridCols()),
		GridRows:              ptrInt(e.GetGridRows()),
		GridSpacing:           ptrFloat64(e.GetGridSpacing()),
		GridSeed:              ptrInt64(e.GetGridSeed()),
		LineAngleToleranceDeg: ptrFloat64(e.GetLineAngleToleranceDeg()),
		LineDistanceTolerance: ptrFloat64(e.GetLineDistanceTolerance()),
		MinLineLength:         ptrInt(e.GetMinLineLength()),
		MinSizeRatio:          ptrFloat64(e.GetMinSizeRatio()),
		MinCodeVotes:          ptrInt(e.GetMinCodeVotes()),
		MaxAssignDistance:     ptrFloat64(e.GetMaxAssignDistance()),
		CodeMismatchPenalty:   ptrFloat64(e.GetCodeMismatchPenalty()),
		AcceptCost:            ptrFloat64(e.GetAcceptCost()),
		MinVisibleFraction:    ptrFloat64(e.GetMinVisibleFraction()),
		AssignRefineRounds:    ptrInt(e.GetAssignRefineRounds()),
		RansacIterations:      ptrInt(e.GetRansacIterations()),
		RansacInlierPx:        ptrFloat64(e.GetRansacInlierPx()),
		RansacSupportFraction: ptrFloat64(e.GetRansacSupportFraction()),
		RansacMinInliers:      ptrInt(e.GetRansacMinInliers()),
		RansacSeed:            ptrInt64(e.GetRansacSeed()),
		PoseRefineIterations:  ptrInt(e.GetPoseRefineIterations()),
		PassMaxIterations:     ptrInt(e.GetPassMaxIterations()),
		PassTolerance:         ptrFloat64(e.GetPassTolerance()),
		IdleInterval:          ptrString(e.GetIdleInterval().String()),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/<pkg>/
		"../../../" + DefaultConfigPath, // from cmd/<tool>/ or deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.ThresholdRatio != nil && (*c.ThresholdRatio <= 0 || *c.ThresholdRatio > 2) {
		return fmt.Errorf("threshold_ratio must be in (0, 2], got %f", *c.ThresholdRatio)
	}
	if c.ConicMinArea != nil && *c.ConicMinArea < 0 {
		return fmt.Errorf("conic_min_area must be non-negative, got %f", *c.ConicMinArea)
	}
	if c.ConicMinDensity != nil && (*c.ConicMinDensity < 0 || *c.ConicMinDensity > 1) {
		return fmt.Errorf("conic_min_density must be between 0 and 1, got %f", *c.ConicMinDensity)
	}
	if c.ConicMinAspect != nil && (*c.ConicMinAspect < 0 || *c.ConicMinAspect > 1) {
		return fmt.Errorf("conic_min_aspect must be between 0 and 1, got %f", *c.ConicMinAspect)
	}
	if c.GridCols != nil && *c.GridCols < 3 {
		return fmt.Errorf("grid_cols must be at least 3, got %d", *c.GridCols)
	}
	if c.GridRows != nil && *c.GridRows < 3 {
		return fmt.Errorf("grid_rows must be at least 3, got %d", *c.GridRows)
	}
	if c.GridSpacing != nil && *c.GridSpacing <= 0 {
		return fmt.Errorf("grid_spacing must be positive, got %f", *c.GridSpacing)
	}
	if c.LineAngleToleranceDeg != nil && (*c.LineAngleToleranceDeg <= 0 || *c.LineAngleToleranceDeg >= 45) {
		return fmt.Errorf("line_angle_tolerance_deg must be in (0, 45), got %f", *c.LineAngleToleranceDeg)
	}
	if c.LineDistanceTolerance != nil && (*c.LineDistanceTolerance <= 0 || *c.LineDistanceTolerance >= 1) {
		return fmt.Errorf("line_distance_tolerance must be in (0, 1), got %f", *c.LineDistanceTolerance)
	}
	if c.MinLineLength != nil && *c.MinLineLength < 2 {
		return fmt.Errorf("min_line_length must be at least 2, got %d", *c.MinLineLength)
	}
	if c.MinCodeVotes != nil && *c.MinCodeVotes < 1 {
		return fmt.Errorf("min_code_votes must be at least 1, got %d", *c.MinCodeVotes)
	}
	if c.MinVisibleFraction != nil && (*c.MinVisibleFraction <= 0 || *c.MinVisibleFraction >= 1) {
		return fmt.Errorf("min_visible_fraction must be in (0, 1), got %f", *c.MinVisibleFraction)
	}
	if c.RansacIterations != nil && *c.RansacIterations < 1 {
		return fmt.Errorf("ransac_iterations must be positive, got %d", *c.RansacIterations)
	}
	if c.RansacInlierPx != nil && *c.RansacInlierPx <= 0 {
		return fmt.Errorf("ransac_inlier_px must be positive, got %f", *c.RansacInlierPx)
	}
	if c.RansacSupportFraction != nil && (*c.RansacSupportFraction <= 0 || *c.RansacSupportFraction > 1) {
		return fmt.Errorf("ransac_support_fraction must be in (0, 1], got %f", *c.RansacSupportFraction)
	}
	if c.RansacMinInliers != nil && *c.RansacMinInliers < 4 {
		return fmt.Errorf("ransac_min_inliers must be at least 4, got %d", *c.RansacMinInliers)
	}
	if c.PassMaxIterations != nil && *c.PassMaxIterations < 1 {
		return fmt.Errorf("pass_max_iterations must be positive, got %d", *c.PassMaxIterations)
	}
	if c.IdleInterval != nil && *c.IdleInterval != "" {
		if _, err := time.ParseDuration(*c.IdleInterval); err != nil {
			return fmt.Errorf("invalid idle_interval '%s': %w", *c.IdleInterval, err)
		}
	}
	return nil
}

// GetThresholdRatio returns the threshold_ratio value or the default.
func (c *TuningConfig) GetThresholdRatio() float64 {
	if c.ThresholdRatio == nil {
		return 0.9
	}
	return *c.ThresholdRatio
}

// GetBlackOnWhite returns the black_on_white value or the default.
func (c *TuningConfig) GetBlackOnWhite() bool {
	if c.BlackOnWhite == nil {
		return true
	}
	return *c.BlackOnWhite
}

// GetConicMinArea returns the conic_min_area value or the default.
func (c *TuningConfig) GetConicMinArea() float64 {
	if c.ConicMinArea == nil {
		return 4.0
	}
	return *c.ConicMinArea
}

// GetConicMinDensity returns the conic_min_density value or the default.
func (c *TuningConfig) GetConicMinDensity() float64 {
	if c.ConicMinDensity == nil {
		return 0.6
	}
	return *c.ConicMinDensity
}

// GetConicMinAspect returns the conic_min_aspect value or the default.
func (c *TuningConfig) GetConicMinAspect() float64 {
	if c.ConicMinAspect == nil {
		return 0.2
	}
	return *c.ConicMinAspect
}

// GetGridCols returns the grid_cols value or the default (US Letter target).
func (c *TuningConfig) GetGridCols() int {
	if c.GridCols == nil {
		return 19
	}
	return *c.GridCols
}

// GetGridRows returns the grid_rows value or the default (US Letter target).
func (c *TuningConfig) GetGridRows() int {
	if c.GridRows == nil {
		return 10
	}
	return *c.GridRows
}

// GetGridSpacing returns the grid_spacing value or the default.
func (c *TuningConfig) GetGridSpacing() float64 {
	if c.GridSpacing == nil {
		return 0.254 / 18 // 19 dots across 10 inches
	}
	return *c.GridSpacing
}

// GetGridSeed returns the grid_seed value or the default.
func (c *TuningConfig) GetGridSeed() int64 {
	if c.GridSeed == nil {
		return 71
	}
	return *c.GridSeed
}

// GetLineAngleToleranceDeg returns the line_angle_tolerance_deg value or the default.
func (c *TuningConfig) GetLineAngleToleranceDeg() float64 {
	if c.LineAngleToleranceDeg == nil {
		return 12.0
	}
	return *c.LineAngleToleranceDeg
}

// GetLineDistanceTolerance returns the line_distance_tolerance value or the default.
func (c *TuningConfig) GetLineDistanceTolerance() float64 {
	if c.LineDistanceTolerance == nil {
		return 0.3
	}
	return *c.LineDistanceTolerance
}

// GetMinLineLength returns the min_line_length value or the default.
func (c *TuningConfig) GetMinLineLength() int {
	if c.MinLineLength == nil {
		return 3
	}
	return *c.MinLineLength
}

// GetMinSizeRatio returns the min_size_ratio value or the default.
func (c *TuningConfig) GetMinSizeRatio() float64 {
	if c.MinSizeRatio == nil {
		return 1.25
	}
	return *c.MinSizeRatio
}

// GetMinCodeVotes returns the min_code_votes value or the default.
func (c *TuningConfig) GetMinCodeVotes() int {
	if c.MinCodeVotes == nil {
		return 2
	}
	return *c.MinCodeVotes
}

// GetMaxAssignDistance returns the max_assign_distance value or the default.
func (c *TuningConfig) GetMaxAssignDistance() float64 {
	if c.MaxAssignDistance == nil {
		return 0.5
	}
	return *c.MaxAssignDistance
}

// GetCodeMismatchPenalty returns the code_mismatch_penalty value or the default.
func (c *TuningConfig) GetCodeMismatchPenalty() float64 {
	if c.CodeMismatchPenalty == nil {
		return 0.2
	}
	return *c.CodeMismatchPenalty
}

// GetAcceptCost returns the accept_cost value or the default.
func (c *TuningConfig) GetAcceptCost() float64 {
	if c.AcceptCost == nil {
		return 0.25
	}
	return *c.AcceptCost
}

// GetMinVisibleFraction returns the min_visible_fraction value or the default.
func (c *TuningConfig) GetMinVisibleFraction() float64 {
	if c.MinVisibleFraction == nil {
		return 0.5
	}
	return *c.MinVisibleFraction
}

// GetAssignRefineRounds returns the assign_refine_rounds value or the default.
func (c *TuningConfig) GetAssignRefineRounds() int {
	if c.AssignRefineRounds == nil {
		return 2
	}
	return *c.AssignRefineRounds
}

// GetRansacIterations returns the ransac_iterations value or the default.
func (c *TuningConfig) GetRansacIterations() int {
	if c.RansacIterations == nil {
		return 200
	}
	return *c.RansacIterations
}

// GetRansacInlierPx returns the ransac_inlier_px value or the default.
func (c *TuningConfig) GetRansacInlierPx() float64 {
	if c.RansacInlierPx == nil {
		return 2.0
	}
	return *c.RansacInlierPx
}

// GetRansacSupportFraction returns the ransac_support_fraction value or the default.
func (c *TuningConfig) GetRansacSupportFraction() float64 {
	if c.RansacSupportFraction == nil {
		return 0.95
	}
	return *c.RansacSupportFraction
}

// GetRansacMinInliers returns the ransac_min_inliers value or the default.
func (c *TuningConfig) GetRansacMinInliers() int {
	if c.RansacMinInliers == nil {
		return 8
	}
	return *c.RansacMinInliers
}

// GetRansacSeed returns the ransac_seed value or the default.
func (c *TuningConfig) GetRansacSeed() int64 {
	if c.RansacSeed == nil {
		return 1
	}
	return *c.RansacSeed
}

// GetPoseRefineIterations returns the pose_refine_iterations value or the default.
func (c *TuningConfig) GetPoseRefineIterations() int {
	if c.PoseRefineIterations == nil {
		return 200
	}
	return *c.PoseRefineIterations
}

// GetPassMaxIterations returns the pass_max_iterations value or the default.
func (c *TuningConfig) GetPassMaxIterations() int {
	if c.PassMaxIterations == nil {
		return 10
	}
	return *c.PassMaxIterations
}

// GetPassTolerance returns the pass_tolerance value or the default.
func (c *TuningConfig) GetPassTolerance() float64 {
	if c.PassTolerance == nil {
		return 1e-10
	}
	return *c.PassTolerance
}

// GetIdleInterval parses and returns the IdleInterval as a time.Duration.
func (c *TuningConfig) GetIdleInterval() time.Duration {
	if c.IdleInterval == nil || *c.IdleInterval == "" {
		return 50 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.IdleInterval)
	if err != nil {
		return 50 * time.Millisecond // default on parse error
	}
	return d
}
