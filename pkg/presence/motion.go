package presence

import (
	"image"
)

// MotionScorer computes the share of changed pixels between consecutive frames.
type MotionScorer struct {
	width int
	step  int
	thr   int
	prev  *image.RGBA
}

// NewMotionScorer creates a scorer from cfg.
func NewMotionScorer(cfg Config) *MotionScorer {
	step := cfg.Step
	if step < 1 {
		step = 1
	}
	return &MotionScorer{
		width: cfg.DownscaleWidth,
		step:  step,
		thr:   cfg.DiffThreshold,
	}
}

// Score returns the changed-pixel ratio against the previous frame.
// ok is false on the first frame or after a resolution change, when there is
// nothing to compare against.
func (m *MotionScorer) Score(frame image.Image) (ratio float64, ok bool) {
	cur := downscale(frame, m.width)
	prev := m.prev
	m.prev = cur

	if prev == nil || prev.Bounds() != cur.Bounds() {
		return 0, false
	}

	b := cur.Bounds()
	var total, diff int
	for y := b.Min.Y; y < b.Max.Y; y += m.step {
		for x := b.Min.X; x < b.Max.X; x += m.step {
			i := cur.PixOffset(x, y)
			d := absDiff(cur.Pix[i], prev.Pix[i]) +
				absDiff(cur.Pix[i+1], prev.Pix[i+1]) +
				absDiff(cur.Pix[i+2], prev.Pix[i+2])
			if d > m.thr {
				diff++
			}
			total++
		}
	}
	if total == 0 {
		return 0, true
	}
	return float64(diff) / float64(total), true
}

// Reset forgets the previous frame.
func (m *MotionScorer) Reset() {
	m.prev = nil
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

// downscale resamples src to the given width with nearest-neighbour sampling,
// keeping the aspect ratio. Frames already narrower than width are copied.
func downscale(src image.Image, width int) *image.RGBA {
	sb := src.Bounds()
	sw, sh := sb.Dx(), sb.Dy()
	if width <= 0 || sw <= width {
		width = sw
	}
	if sw == 0 || sh == 0 {
		return image.NewRGBA(image.Rect(0, 0, 0, 0))
	}
	height := sh * width / sw
	if height < 1 {
		height = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	rgba, isRGBA := src.(*image.RGBA)
	for y := 0; y < height; y++ {
		sy := sb.Min.Y + y*sh/height
		for x := 0; x < width; x++ {
			sx := sb.Min.X + x*sw/width
			di := dst.PixOffset(x, y)
			if isRGBA {
				si := rgba.PixOffset(sx, sy)
				copy(dst.Pix[di:di+4], rgba.Pix[si:si+4])
				continue
			}
			r, g, bl, a := src.At(sx, sy).RGBA()
			dst.Pix[di] = uint8(r >> 8)
			dst.Pix[di+1] = uint8(g >> 8)
			dst.Pix[di+2] = uint8(bl >> 8)
			dst.Pix[di+3] = uint8(a >> 8)
		}
	}
	return dst
}
