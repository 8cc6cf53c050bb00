// Package geometry converts Esri JSON geometries for local use: projecting to
// WGS84, measuring perimeter area and rendering GeoJSON for the status API.
// All spatial analysis that feeds the derived layers runs on the remote
// geometry service, never here.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/s2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mr1hm/go-fire-dispatch/internal/models"
)

const (
	webMercatorRadius = 6378137.0
	earthRadiusMeters = 6371008.8
	squareMetersAcre  = 4046.8564224
	degConv           = 180 / math.Pi
)

// ErrUnsupportedSR is returned for spatial references other than WGS84 and
// Web Mercator.
var ErrUnsupportedSR = errors.New("unsupported spatial reference")

// ToWGS84 returns longitude and latitude in degrees for a coordinate in sr.
// A nil spatial reference is treated as WGS84.
func ToWGS84(sr *models.SpatialReference, x, y float64) (lng, lat float64, err error) {
	switch wkid(sr) {
	case 0, 4326:
		return x, y, nil
	case 102100, 102113, 3857, 900913:
		lng = x / webMercatorRadius * degConv
		lat = (2*math.Atan(math.Exp(y/webMercatorRadius)) - math.Pi/2) * degConv
		return lng, lat, nil
	default:
		return 0, 0, fmt.Errorf("%w: wkid %d", ErrUnsupportedSR, wkid(sr))
	}
}

func wkid(sr *models.SpatialReference) int {
	if sr == nil {
		return 0
	}
	if sr.LatestWKID != 0 {
		return sr.LatestWKID
	}
	return sr.WKID
}

// AreaAcres returns the geodesic area of a polygon geometry. Esri exterior
// rings are clockwise and holes counter-clockwise; holes are subtracted.
func AreaAcres(g *models.Geometry, sr *models.SpatialReference) (float64, error) {
	if g == nil || len(g.Rings) == 0 {
		return 0, fmt.Errorf("geometry is not a polygon")
	}
	if g.SpatialReference != nil {
		sr = g.SpatialReference
	}

	var steradians float64
	for _, ring := range g.Rings {
		lngLats, err := projectRing(ring, sr)
		if err != nil {
			return 0, err
		}
		if len(lngLats) < 3 {
			continue
		}

		points := make([]s2.Point, 0, len(lngLats))
		for _, p := range lngLats {
			points = append(points, s2.PointFromLatLng(s2.LatLngFromDegrees(p[1], p[0])))
		}
		a := s2.LoopFromPoints(points).Area()
		if a > 2*math.Pi {
			a = 4*math.Pi - a
		}

		if isClockwise(lngLats) {
			steradians += a
		} else {
			steradians -= a
		}
	}

	return math.Abs(steradians) * earthRadiusMeters * earthRadiusMeters / squareMetersAcre, nil
}

// projectRing converts a ring to lng/lat pairs and drops the closing vertex
// and consecutive duplicates.
func projectRing(ring [][]float64, sr *models.SpatialReference) ([][2]float64, error) {
	out := make([][2]float64, 0, len(ring))
	for _, c := range ring {
		if len(c) < 2 {
			return nil, fmt.Errorf("coordinate has %d values, need at least 2", len(c))
		}
		lng, lat, err := ToWGS84(sr, c[0], c[1])
		if err != nil {
			return nil, err
		}
		p := [2]float64{lng, lat}
		if len(out) > 0 && out[len(out)-1] == p {
			continue
		}
		out = append(out, p)
	}
	if len(out) > 1 && out[0] == out[len(out)-1] {
		out = out[:len(out)-1]
	}
	return out, nil
}

// isClockwise uses the shoelace sum; negative means clockwise.
func isClockwise(ring [][2]float64) bool {
	var sum float64
	for i := range ring {
		j := (i + 1) % len(ring)
		sum += ring[i][0]*ring[j][1] - ring[j][0]*ring[i][1]
	}
	return sum < 0
}

// ToGeoJSON renders features as a WGS84 GeoJSON FeatureCollection.
// Features without geometry are skipped.
func ToGeoJSON(fs []models.Feature, sr *models.SpatialReference) (*geojson.FeatureCollection, error) {
	fc := geojson.NewFeatureCollection()
	for i := range fs {
		f := fs[i]
		if f.Geometry.IsEmpty() {
			continue
		}
		fsr := sr
		if f.Geometry.SpatialReference != nil {
			fsr = f.Geometry.SpatialReference
		}
		g, err := toOrb(f.Geometry, fsr)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}

		gf := geojson.NewFeature(g)
		for k, v := range f.Attributes {
			gf.Properties[k] = v
		}
		fc.Append(gf)
	}
	return fc, nil
}

func toOrb(g *models.Geometry, sr *models.SpatialReference) (orb.Geometry, error) {
	switch {
	case g.X != nil && g.Y != nil:
		lng, lat, err := ToWGS84(sr, *g.X, *g.Y)
		if err != nil {
			return nil, err
		}
		return orb.Point{lng, lat}, nil

	case len(g.Paths) > 0:
		mls := make(orb.MultiLineString, 0, len(g.Paths))
		for _, path := range g.Paths {
			ls := make(orb.LineString, 0, len(path))
			for _, c := range path {
				p, err := toPoint(c, sr)
				if err != nil {
					return nil, err
				}
				ls = append(ls, p)
			}
			mls = append(mls, ls)
		}
		if len(mls) == 1 {
			return mls[0], nil
		}
		return mls, nil

	case len(g.Rings) > 0:
		var mp orb.MultiPolygon
		for _, ring := range g.Rings {
			r := make(orb.Ring, 0, len(ring))
			for _, c := range ring {
				p, err := toPoint(c, sr)
				if err != nil {
					return nil, err
				}
				r = append(r, p)
			}
			// a counter-clockwise ring is a hole of the preceding exterior
			if r.Orientation() == orb.CCW && len(mp) > 0 {
				mp[len(mp)-1] = append(mp[len(mp)-1], r)
				continue
			}
			mp = append(mp, orb.Polygon{r})
		}
		if len(mp) == 1 {
			return mp[0], nil
		}
		return mp, nil
	}

	return nil, fmt.Errorf("empty geometry")
}

func toPoint(c []float64, sr *models.SpatialReference) (orb.Point, error) {
	if len(c) < 2 {
		return orb.Point{}, fmt.Errorf("coordinate has %d values, need at least 2", len(c))
	}
	lng, lat, err := ToWGS84(sr, c[0], c[1])
	if err != nil {
		return orb.Point{}, err
	}
	return orb.Point{lng, lat}, nil
}
