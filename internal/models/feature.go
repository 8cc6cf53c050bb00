package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// LayerRole names one of the layers the dispatcher works with.
type LayerRole string

const (
	LayerFire          LayerRole = "fire"
	LayerParcels       LayerRole = "parcels"
	LayerStreets       LayerRole = "streets"
	LayerParcelsAtRisk LayerRole = "parcels_at_risk"
	LayerStreetsAtRisk LayerRole = "streets_at_risk"
)

type SpatialReference struct {
	WKID       int `json:"wkid,omitempty"`
	LatestWKID int `json:"latestWkid,omitempty"`
}

// Geometry is an Esri JSON geometry. Exactly one of point (X/Y), Rings
// or Paths is populated.
type Geometry struct {
	X                *float64          `json:"x,omitempty"`
	Y                *float64          `json:"y,omitempty"`
	Rings            [][][]float64     `json:"rings,omitempty"`
	Paths            [][][]float64     `json:"paths,omitempty"`
	SpatialReference *SpatialReference `json:"spatialReference,omitempty"`
}

func (g *Geometry) IsEmpty() bool {
	return g == nil || (g.X == nil && len(g.Rings) == 0 && len(g.Paths) == 0)
}

// Type returns the Esri geometry type name used by REST parameters.
func (g *Geometry) Type() string {
	switch {
	case g == nil:
		return ""
	case len(g.Rings) > 0:
		return "esriGeometryPolygon"
	case len(g.Paths) > 0:
		return "esriGeometryPolyline"
	case g.X != nil:
		return "esriGeometryPoint"
	default:
		return ""
	}
}

type Feature struct {
	Attributes map[string]any `json:"attributes"`
	Geometry   *Geometry      `json:"geometry,omitempty"`
}

// Int64 reads a numeric attribute. Values decoded with json.Number, plain
// numbers and numeric strings are accepted.
func (f *Feature) Int64(field string) (int64, error) {
	v, ok := f.Attributes[field]
	if !ok || v == nil {
		return 0, fmt.Errorf("attribute %q missing", field)
	}
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		fl, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("attribute %q is not numeric: %w", field, err)
		}
		return int64(fl), nil
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("attribute %q is not numeric: %w", field, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("attribute %q has unexpected type %T", field, v)
	}
}

// String renders an attribute for display. Missing attributes render empty.
func (f *Feature) String(field string) string {
	v, ok := f.Attributes[field]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(s)
	}
}

type FeatureSet struct {
	GeometryType     string            `json:"geometryType,omitempty"`
	SpatialReference *SpatialReference `json:"spatialReference,omitempty"`
	Features         []Feature         `json:"features"`

	// set when the server capped the response at its maxRecordCount
	ExceededTransferLimit bool `json:"exceededTransferLimit,omitempty"`
}
