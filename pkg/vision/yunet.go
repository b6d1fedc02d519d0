package vision

import (
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"
)

// FaceConfig configures the YuNet detector.
type FaceConfig struct {
	ModelPath      string  `mapstructure:"model_path" yaml:"model_path"`
	ScoreThreshold float64 `mapstructure:"score_threshold" yaml:"score_threshold"`
	InputWidth     int     `mapstructure:"input_width" yaml:"input_width"`
	InputHeight    int     `mapstructure:"input_height" yaml:"input_height"`
}

// DefaultFaceConfig returns defaults for the bundled YuNet model.
func DefaultFaceConfig() FaceConfig {
	return FaceConfig{
		ModelPath:      "models/face_detection_yunet.onnx",
		ScoreThreshold: 0.5,
		InputWidth:     320,
		InputHeight:    320,
	}
}

// FaceDetector runs OpenCV's FaceDetectorYN. It satisfies presence.FaceDetector.
type FaceDetector struct {
	mu       sync.Mutex
	detector gocv.FaceDetectorYN
	cfg      FaceConfig
}

// NewFaceDetector loads the ONNX model.
func NewFaceDetector(cfg FaceConfig) (*FaceDetector, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("vision: face model: %w", err)
	}
	det := gocv.NewFaceDetectorYNWithParams(
		cfg.ModelPath,
		"",
		image.Pt(cfg.InputWidth, cfg.InputHeight),
		float32(cfg.ScoreThreshold),
		0.3,  // NMS
		5000, // top K
		int(gocv.NetBackendDefault),
		int(gocv.NetTargetCPU),
	)
	return &FaceDetector{detector: det, cfg: cfg}, nil
}

// Detect returns every face in frame.
func (d *FaceDetector) Detect(frame image.Image) ([]Detection, error) {
	mat, err := gocv.ImageToMatRGB(frame)
	if err != nil {
		return nil, fmt.Errorf("vision: convert frame: %w", err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, ErrNoFrame
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	w, h := float64(mat.Cols()), float64(mat.Rows())
	d.detector.SetInputSize(image.Pt(mat.Cols(), mat.Rows()))

	faces := gocv.NewMat()
	defer faces.Close()
	d.detector.Detect(mat, &faces)

	// Rows are x, y, w, h, five landmark pairs, score.
	dets := make([]Detection, 0, faces.Rows())
	for r := 0; r < faces.Rows(); r++ {
		dets = append(dets, Detection{
			X:          float64(faces.GetFloatAt(r, 0)) / w,
			Y:          float64(faces.GetFloatAt(r, 1)) / h,
			W:          float64(faces.GetFloatAt(r, 2)) / w,
			H:          float64(faces.GetFloatAt(r, 3)) / h,
			Confidence: float64(faces.GetFloatAt(r, 14)),
		})
	}
	return dets, nil
}

// DetectFace reports whether a face is visible and the confidence of the
// most prominent one.
func (d *FaceDetector) DetectFace(frame image.Image) (bool, float64, error) {
	dets, err := d.Detect(frame)
	if err != nil {
		return false, 0, err
	}
	best := SelectBest(dets)
	if best == nil {
		return false, 0, nil
	}
	return true, best.Confidence, nil
}

// Close releases the detector.
func (d *FaceDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detector.Close()
	return nil
}
