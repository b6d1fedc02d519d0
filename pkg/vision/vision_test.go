package vision

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectBest(t *testing.T) {
	assert.Nil(t, SelectBest(nil))

	dets := []Detection{
		{Confidence: 0.9, W: 0.05, H: 0.05},
		{Confidence: 0.8, W: 0.3, H: 0.3},
	}
	best := SelectBest(dets)
	require.NotNil(t, best)
	assert.Equal(t, 0.8, best.Confidence, "a much larger face wins over a slightly more confident one")

	zero := []Detection{{Confidence: 0.4}, {Confidence: 0.6}}
	assert.Equal(t, 0.6, SelectBest(zero).Confidence)
}

func TestToRGBA(t *testing.T) {
	rgba := image.NewRGBA(image.Rect(0, 0, 2, 2))
	assert.Same(t, rgba, ToRGBA(rgba))

	gray := image.NewGray(image.Rect(5, 5, 8, 7))
	gray.SetGray(5, 5, color.Gray{Y: 200})
	out := ToRGBA(gray)
	assert.Equal(t, image.Rect(0, 0, 3, 2), out.Bounds())
	assert.Equal(t, color.RGBA{200, 200, 200, 255}, out.RGBAAt(0, 0))
}

func TestNewFaceDetector_MissingModel(t *testing.T) {
	cfg := DefaultFaceConfig()
	cfg.ModelPath = filepath.Join(t.TempDir(), "missing.onnx")
	_, err := NewFaceDetector(cfg)
	assert.Error(t, err)
}

func TestFaceDetector_BlankFrame(t *testing.T) {
	cfg := DefaultFaceConfig()
	for _, p := range []string{cfg.ModelPath, filepath.Join("..", "..", cfg.ModelPath)} {
		if _, err := os.Stat(p); err == nil {
			cfg.ModelPath = p
			break
		}
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		t.Skip("YuNet model not found, skipping")
	}

	det, err := NewFaceDetector(cfg)
	require.NoError(t, err)
	defer det.Close()

	frame := image.NewRGBA(image.Rect(0, 0, 320, 240))
	seen, score, err := det.DetectFace(frame)
	require.NoError(t, err)
	assert.False(t, seen)
	assert.Zero(t, score)
}

func TestLoadImage_Missing(t *testing.T) {
	_, err := LoadImage(filepath.Join(t.TempDir(), "none.png"))
	assert.Error(t, err)
}
