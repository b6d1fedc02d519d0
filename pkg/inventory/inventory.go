// Package inventory estimates shelf stock from camera frames and keeps the
// latest snapshot for consumers such as the greeting flow.
//
// Occupancy is the share of sampled pixels inside a shelf's region that differ
// from a reference (empty shelf) background. A shelf is "empty" below the empty
// threshold, "low" below the low threshold and "ok" otherwise.
package inventory

import (
	"image"
)

// State is the stock level classification for one shelf.
type State string

const (
	StateOK    State = "ok"
	StateLow   State = "low"
	StateEmpty State = "empty"
)

// Default thresholds and sampling parameters.
const (
	DefaultLowThreshold   = 0.35
	DefaultEmptyThreshold = 0.15
	DefaultStep           = 2
	DefaultDiffThreshold  = 40
)

// Rect is a region of interest in frame pixel coordinates.
type Rect struct {
	X int `json:"x" yaml:"x" mapstructure:"x"`
	Y int `json:"y" yaml:"y" mapstructure:"y"`
	W int `json:"w" yaml:"w" mapstructure:"w"`
	H int `json:"h" yaml:"h" mapstructure:"h"`
}

// Shelf describes one monitored shelf.
type Shelf struct {
	ID   string `json:"id" yaml:"id" mapstructure:"id"`
	Name string `json:"name" yaml:"name" mapstructure:"name"`
	Rect Rect   `json:"rect" yaml:"rect" mapstructure:"rect"`
}

// Level is the estimated stock of one shelf.
type Level struct {
	ShelfID  string  `json:"shelf_id"`
	Occupied float64 `json:"occupied"` // 0..1
	State    State   `json:"state"`
}

// Snapshot is an ordered collection of shelf levels.
type Snapshot []Level

// EmptyShelves returns the ids of shelves in the empty state, in snapshot order.
func (s Snapshot) EmptyShelves() []string {
	var ids []string
	for _, l := range s {
		if l.State == StateEmpty {
			ids = append(ids, l.ShelfID)
		}
	}
	return ids
}

// Equal reports whether two snapshots carry the same shelves and states.
// Occupancy ratios are ignored since they jitter every frame.
func (s Snapshot) Equal(o Snapshot) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i].ShelfID != o[i].ShelfID || s[i].State != o[i].State {
			return false
		}
	}
	return true
}

// Clone returns a copy safe to hand to other goroutines.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	copy(out, s)
	return out
}

// Occupancy returns the fraction of sampled pixels in roi whose squared RGB
// distance between frame and bg exceeds thr². Sampling skips step pixels in
// both axes. The roi is clipped to the area both images cover.
func Occupancy(frame, bg *image.RGBA, roi Rect, step, thr int) float64 {
	if frame == nil || bg == nil {
		return 0
	}
	if step < 1 {
		step = 1
	}

	area := image.Rect(roi.X, roi.Y, roi.X+roi.W, roi.Y+roi.H).
		Intersect(frame.Bounds()).
		Intersect(bg.Bounds())
	if area.Empty() {
		return 0
	}

	thr2 := thr * thr
	var total, diff int
	for y := area.Min.Y; y < area.Max.Y; y += step {
		for x := area.Min.X; x < area.Max.X; x += step {
			fi := frame.PixOffset(x, y)
			bi := bg.PixOffset(x, y)
			dr := int(frame.Pix[fi]) - int(bg.Pix[bi])
			dg := int(frame.Pix[fi+1]) - int(bg.Pix[bi+1])
			db := int(frame.Pix[fi+2]) - int(bg.Pix[bi+2])
			if dr*dr+dg*dg+db*db > thr2 {
				diff++
			}
			total++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(diff) / float64(total)
}

// DecideState classifies an occupancy ratio.
func DecideState(occ, low, empty float64) State {
	if occ < empty {
		return StateEmpty
	}
	if occ < low {
		return StateLow
	}
	return StateOK
}

// Thresholds configures state classification.
type Thresholds struct {
	Low   float64 `json:"low" yaml:"low" mapstructure:"low"`
	Empty float64 `json:"empty" yaml:"empty" mapstructure:"empty"`
}

// DefaultThresholds returns the stock thresholds used by the store display.
func DefaultThresholds() Thresholds {
	return Thresholds{Low: DefaultLowThreshold, Empty: DefaultEmptyThreshold}
}

// Estimate computes a snapshot for all shelves against a background frame.
func Estimate(shelves []Shelf, frame, bg *image.RGBA, th Thresholds) Snapshot {
	snap := make(Snapshot, 0, len(shelves))
	for _, sh := range shelves {
		occ := Occupancy(frame, bg, sh.Rect, DefaultStep, DefaultDiffThreshold)
		snap = append(snap, Level{
			ShelfID:  sh.ID,
			Occupied: occ,
			State:    DecideState(occ, th.Low, th.Empty),
		})
	}
	return snap
}
