package calib

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/banshee-data/gridcalib/internal/fsutil"
)

// CameraModel is the exported form of one camera's calibration.
type CameraModel struct {
	ID         CameraID  `json:"id"`
	Model      string    `json:"model"`
	ParamNames []string  `json:"param_names"`
	Params     []float64 `json:"params"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	// RigToCamera is T_ck as a row-major 4x4 matrix.
	RigToCamera [16]float64 `json:"rig_to_camera"`
	// RMS is the camera's reprojection RMS in pixels at export time.
	RMS          float64 `json:"rms_px"`
	Observations int     `json:"observations"`
}

// ModelWriter persists calibrated camera models.
type ModelWriter interface {
	WriteCameraModels(models []CameraModel) error
}

// CameraModels returns the exported form of every camera in the latest
// published estimate.
func (e *Engine) CameraModels() []CameraModel {
	est := e.Estimate()
	sum := e.Summary()
	out := make([]CameraModel, len(est.Cameras))
	for i, c := range est.Cameras {
		out[i] = CameraModel{
			ID:          CameraID(i),
			Model:       c.Model.Name(),
			ParamNames:  append([]string(nil), c.Model.ParamNames()...),
			Params:      append([]float64(nil), c.Params...),
			Width:       c.Width,
			Height:      c.Height,
			RigToCamera: c.Extrinsic.Matrix(),
		}
		if i < len(sum.Cameras) {
			out[i].RMS = sum.Cameras[i].RMS
			out[i].Observations = sum.Cameras[i].Observations
		}
	}
	return out
}

// WriteCameraModels hands the current camera models to w.
func (e *Engine) WriteCameraModels(w ModelWriter) error {
	if w == nil {
		return fmt.Errorf("write camera models: nil writer")
	}
	if err := w.WriteCameraModels(e.CameraModels()); err != nil {
		return fmt.Errorf("write camera models: %w", err)
	}
	return nil
}

// JSONWriter writes camera models as one indented JSON document.
type JSONWriter struct {
	FS   fsutil.FileSystem
	Path string
}

// NewJSONWriter writes to path on the host filesystem.
func NewJSONWriter(path string) *JSONWriter {
	return &JSONWriter{FS: fsutil.OSFileSystem{}, Path: path}
}

type cameraModelFile struct {
	Cameras []CameraModel `json:"cameras"`
}

// WriteCameraModels writes models, replacing any previous file.
func (w *JSONWriter) WriteCameraModels(models []CameraModel) error {
	data, err := json.MarshalIndent(cameraModelFile{Cameras: models}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal camera models: %w", err)
	}
	if dir := filepath.Dir(w.Path); dir != "." {
		if err := w.FS.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return fsutil.WriteFileAtomic(w.FS, w.Path, append(data, '\n'), 0o644)
}

// ReadCameraModels loads a file written by JSONWriter.
func ReadCameraModels(fs fsutil.FileSystem, path string) ([]CameraModel, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f cameraModelFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f.Cameras, nil
}
