package motion

import (
	"encoding/json"
	"image"
)

// Region is one area of change: its bounding box and the contour points it
// was built from.
type Region struct {
	Bounds  image.Rectangle
	Contour []image.Point
}

func (r Region) X() int      { return r.Bounds.Min.X }
func (r Region) Y() int      { return r.Bounds.Min.Y }
func (r Region) Width() int  { return r.Bounds.Dx() }
func (r Region) Height() int { return r.Bounds.Dy() }

// Merge combines regions whose bounding boxes intersect until no two boxes
// overlap. Contours of merged regions are concatenated. The input is not
// modified.
func Merge(regions []Region) []Region {
	out := make([]Region, len(regions))
	copy(out, regions)

	for merged := true; merged; {
		merged = false
	scan:
		for i := 0; i < len(out); i++ {
			for j := i + 1; j < len(out); j++ {
				if !out[i].Bounds.Overlaps(out[j].Bounds) {
					continue
				}
				contour := make([]image.Point, 0, len(out[i].Contour)+len(out[j].Contour))
				contour = append(contour, out[i].Contour...)
				contour = append(contour, out[j].Contour...)
				out[i] = Region{
					Bounds:  out[i].Bounds.Union(out[j].Bounds),
					Contour: contour,
				}
				out = append(out[:j], out[j+1:]...)
				merged = true
				break scan
			}
		}
	}
	return out
}

// MarshalContours renders regions as a JSON array of point lists,
// e.g. [[[1,2],[3,4]],[[5,6]]].
func MarshalContours(regions []Region) (string, error) {
	lists := make([][][2]int, 0, len(regions))
	for _, r := range regions {
		pts := make([][2]int, 0, len(r.Contour))
		for _, p := range r.Contour {
			pts = append(pts, [2]int{p.X, p.Y})
		}
		lists = append(lists, pts)
	}
	data, err := json.Marshal(lists)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
