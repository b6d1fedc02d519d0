// Package vision adapts OpenCV capture and face detection to the presence
// and inventory packages.
package vision

import (
	"image"
	"image/draw"
)

// Detection is a detected face.
type Detection struct {
	X, Y       float64 // top-left, normalized 0-1
	W, H       float64 // size, normalized 0-1
	Confidence float64
}

// Area returns the normalized bounding box area.
func (d Detection) Area() float64 {
	return d.W * d.H
}

// SelectBest picks the most prominent face, weighting confidence 0.7 and
// relative area 0.3. It returns nil for no detections.
func SelectBest(dets []Detection) *Detection {
	if len(dets) == 0 {
		return nil
	}
	maxArea := 0.0
	for _, d := range dets {
		if d.Area() > maxArea {
			maxArea = d.Area()
		}
	}

	best, bestScore := 0, -1.0
	for i, d := range dets {
		score := d.Confidence * 0.7
		if maxArea > 0 {
			score += d.Area() / maxArea * 0.3
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return &dets[best]
}

// ToRGBA returns img as *image.RGBA, copying only when needed.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}
