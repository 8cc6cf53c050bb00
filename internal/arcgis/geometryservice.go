package arcgis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ubuntu/decorate"

	"github.com/mr1hm/go-fire-dispatch/internal/models"
)

type geometryList struct {
	GeometryType string             `json:"geometryType"`
	Geometries   []*models.Geometry `json:"geometries"`
}

func (c *Client) geometryEndpoint(op string) (string, error) {
	if c.opts.GeometryServiceURL == "" {
		return "", errors.New("no geometry service configured")
	}
	return strings.TrimRight(c.opts.GeometryServiceURL, "/") + "/" + op, nil
}

// Buffer returns the geodesic buffer of g at the given distance. unit is an
// Esri linear unit code (9002 for feet).
func (c *Client) Buffer(ctx context.Context, g *models.Geometry, distance float64, unit int) (buf *models.Geometry, err error) {
	defer decorate.OnError(&err, "could not buffer geometry")

	if g.IsEmpty() {
		return nil, errors.New("empty input geometry")
	}
	endpoint, err := c.geometryEndpoint("buffer")
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("geometries", mustJSON(geometryList{GeometryType: g.Type(), Geometries: []*models.Geometry{stripSR(g)}}))
	form.Set("distances", strconv.FormatFloat(distance, 'f', -1, 64))
	form.Set("unit", strconv.Itoa(unit))
	form.Set("unionResults", "true")
	form.Set("geodesic", "true")
	if wkid := wkidOf(g.SpatialReference); wkid != 0 {
		form.Set("inSR", strconv.Itoa(wkid))
		form.Set("outSR", strconv.Itoa(wkid))
	}

	var resp geometryList
	if err := c.do(ctx, http.MethodPost, endpoint, form, &resp); err != nil {
		return nil, err
	}
	if len(resp.Geometries) == 0 || resp.Geometries[0].IsEmpty() {
		return nil, errors.New("geometry service returned no buffer")
	}

	buf = resp.Geometries[0]
	buf.SpatialReference = g.SpatialReference
	return buf, nil
}

// Intersect returns the features of layer that touch area, with each
// geometry clipped to area. Attributes are carried over unchanged.
func (c *Client) Intersect(ctx context.Context, layer Layer, area *models.Geometry) (features []models.Feature, err error) {
	defer decorate.OnError(&err, "could not intersect %s", layer.URL)

	if area.IsEmpty() || len(area.Rings) == 0 {
		return nil, errors.New("intersect area must be a polygon")
	}

	candidates, err := c.Query(ctx, layer, QueryParams{
		ReturnGeometry: true,
		Geometry:       area,
		SpatialRel:     SpatialRelIntersects,
		OutSR:          area.SpatialReference,
	})
	if err != nil {
		return nil, err
	}

	var (
		inputs []*models.Geometry
		attrs  []map[string]any
	)
	for _, f := range candidates.Features {
		if f.Geometry.IsEmpty() {
			continue
		}
		inputs = append(inputs, stripSR(f.Geometry))
		attrs = append(attrs, f.Attributes)
	}
	if len(inputs) == 0 {
		return []models.Feature{}, nil
	}

	endpoint, err := c.geometryEndpoint("intersect")
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("geometries", mustJSON(geometryList{GeometryType: inputs[0].Type(), Geometries: inputs}))
	form.Set("geometry", mustJSON(struct {
		GeometryType string           `json:"geometryType"`
		Geometry     *models.Geometry `json:"geometry"`
	}{"esriGeometryPolygon", stripSR(area)}))
	if wkid := wkidOf(area.SpatialReference); wkid != 0 {
		form.Set("sr", strconv.Itoa(wkid))
	}

	var resp geometryList
	if err := c.do(ctx, http.MethodPost, endpoint, form, &resp); err != nil {
		return nil, err
	}
	if len(resp.Geometries) != len(inputs) {
		return nil, fmt.Errorf("geometry service returned %d geometries for %d inputs", len(resp.Geometries), len(inputs))
	}

	features = make([]models.Feature, 0, len(inputs))
	for i, g := range resp.Geometries {
		// Candidates that only share a boundary come back empty.
		if g.IsEmpty() {
			continue
		}
		g.SpatialReference = area.SpatialReference
		features = append(features, models.Feature{Attributes: attrs[i], Geometry: g})
	}
	return features, nil
}

func stripSR(g *models.Geometry) *models.Geometry {
	out := *g
	out.SpatialReference = nil
	return &out
}
