package geodb

import (
	"encoding/json"
	"fmt"
	"math"
)

// Envelope is a planar bounding box in the feature class's spatial reference.
type Envelope struct {
	XMin, YMin, XMax, YMax float64
}

// Union returns the envelope covering e and o. Either may be nil.
func (e *Envelope) Union(o *Envelope) *Envelope {
	switch {
	case e == nil:
		return o
	case o == nil:
		return e
	}
	return &Envelope{
		XMin: math.Min(e.XMin, o.XMin),
		YMin: math.Min(e.YMin, o.YMin),
		XMax: math.Max(e.XMax, o.XMax),
		YMax: math.Max(e.YMax, o.YMax),
	}
}

func (e *Envelope) add(xo, yo ordinate) *Envelope {
	x, y := float64(xo), float64(yo)
	if math.IsNaN(x) || math.IsNaN(y) {
		return e
	}
	return e.Union(&Envelope{XMin: x, YMin: y, XMax: x, YMax: y})
}

// ordinate is a coordinate value. Esri JSON writes empty geometries with
// "NaN" strings, and null fills unused slots; both decode to NaN.
type ordinate float64

func (o *ordinate) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "null", `"NaN"`:
		*o = ordinate(math.NaN())
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("coordinate %s: %w", b, err)
	}
	*o = ordinate(f)
	return nil
}

// esriGeometry covers the esri JSON geometry shapes: point, multipoint,
// polyline, polygon and envelope.
type esriGeometry struct {
	X      *ordinate      `json:"x"`
	Y      *ordinate      `json:"y"`
	Points [][]ordinate   `json:"points"`
	Paths  [][][]ordinate `json:"paths"`
	Rings  [][][]ordinate `json:"rings"`
	XMin   *ordinate      `json:"xmin"`
	YMin   *ordinate      `json:"ymin"`
	XMax   *ordinate      `json:"xmax"`
	YMax   *ordinate      `json:"ymax"`
}

// GeometryEnvelope returns the bounding box of an esri JSON geometry, or nil
// for an empty geometry such as {"x":"NaN","y":"NaN"}.
func GeometryEnvelope(raw json.RawMessage) (*Envelope, error) {
	var g esriGeometry
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decoding geometry: %w", err)
	}

	var env *Envelope
	if g.X != nil && g.Y != nil {
		env = env.add(*g.X, *g.Y)
	}
	if g.XMin != nil && g.YMin != nil && g.XMax != nil && g.YMax != nil {
		env = env.add(*g.XMin, *g.YMin).add(*g.XMax, *g.YMax)
	}
	addCoords := func(coords [][]ordinate) error {
		for _, c := range coords {
			if len(c) < 2 {
				return fmt.Errorf("coordinate with %d values", len(c))
			}
			env = env.add(c[0], c[1])
		}
		return nil
	}
	if err := addCoords(g.Points); err != nil {
		return nil, err
	}
	for _, p := range g.Paths {
		if err := addCoords(p); err != nil {
			return nil, err
		}
	}
	for _, r := range g.Rings {
		if err := addCoords(r); err != nil {
			return nil, err
		}
	}
	return env, nil
}
