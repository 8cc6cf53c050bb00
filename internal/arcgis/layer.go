package arcgis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ubuntu/decorate"

	"github.com/mr1hm/go-fire-dispatch/internal/models"
)

// Layer is a hosted feature layer resolved from a portal item.
type Layer struct {
	ItemID string
	Title  string
	URL    string // .../FeatureServer/<n>
}

// AdminURL is the layer's administrative endpoint, needed for truncate.
func (l Layer) AdminURL() string {
	return strings.Replace(l.URL, "/rest/services/", "/rest/admin/services/", 1)
}

const SpatialRelIntersects = "esriSpatialRelIntersects"

// maxQueryPages bounds paging through a query result.
const maxQueryPages = 1000

type QueryParams struct {
	Where          string
	OutFields      []string
	ReturnGeometry bool
	Geometry       *models.Geometry // optional spatial filter
	SpatialRel     string
	OutSR          *models.SpatialReference
}

func (c *Client) Query(ctx context.Context, layer Layer, p QueryParams) (fs *models.FeatureSet, err error) {
	defer decorate.OnError(&err, "could not query layer %s", layer.URL)

	where := p.Where
	if where == "" {
		where = "1=1"
	}
	outFields := "*"
	if len(p.OutFields) > 0 {
		outFields = strings.Join(p.OutFields, ",")
	}

	form := url.Values{}
	form.Set("where", where)
	form.Set("outFields", outFields)
	form.Set("returnGeometry", strconv.FormatBool(p.ReturnGeometry))
	if !p.Geometry.IsEmpty() {
		form.Set("geometry", mustJSON(p.Geometry))
		form.Set("geometryType", p.Geometry.Type())
		rel := p.SpatialRel
		if rel == "" {
			rel = SpatialRelIntersects
		}
		form.Set("spatialRel", rel)
		if wkid := wkidOf(p.Geometry.SpatialReference); wkid != 0 {
			form.Set("inSR", strconv.Itoa(wkid))
		}
	}
	if wkid := wkidOf(p.OutSR); wkid != 0 {
		form.Set("outSR", strconv.Itoa(wkid))
	}

	// Pages until the server stops reporting exceededTransferLimit, so the
	// set always holds every matching feature.
	var set models.FeatureSet
	for page := 0; ; page++ {
		if page > maxQueryPages {
			return nil, fmt.Errorf("more than %d result pages", maxQueryPages)
		}
		if n := len(set.Features); n > 0 {
			form.Set("resultOffset", strconv.Itoa(n))
		}

		var resp models.FeatureSet
		if err := c.do(ctx, http.MethodPost, layer.URL+"/query", form, &resp); err != nil {
			return nil, err
		}
		if page == 0 {
			set.GeometryType = resp.GeometryType
			set.SpatialReference = resp.SpatialReference
		}
		set.Features = append(set.Features, resp.Features...)

		if !resp.ExceededTransferLimit {
			break
		}
		if len(resp.Features) == 0 {
			return nil, errors.New("transfer limit exceeded but page was empty")
		}
	}

	// Geometries inherit the set's spatial reference so they can be passed
	// on to the geometry service on their own.
	for i := range set.Features {
		if g := set.Features[i].Geometry; g != nil && g.SpatialReference == nil {
			g.SpatialReference = set.SpatialReference
		}
	}
	return &set, nil
}

// Truncate deletes every feature of the layer through the admin endpoint.
func (c *Client) Truncate(ctx context.Context, layer Layer) (err error) {
	defer decorate.OnError(&err, "could not truncate layer %s", layer.URL)

	form := url.Values{}
	form.Set("async", "false")

	var resp struct {
		Success bool `json:"success"`
	}
	if err := c.do(ctx, http.MethodPost, layer.AdminURL()+"/truncate", form, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return errors.New("truncate reported failure")
	}
	return nil
}

type editResult struct {
	ObjectID json.Number `json:"objectId"`
	Success  bool        `json:"success"`
	Error    *APIError   `json:"error"`
}

// AddFeatures writes features to the layer. Object and global ids from the
// source layer are dropped so the target assigns its own.
func (c *Client) AddFeatures(ctx context.Context, layer Layer, features []models.Feature) (added int, err error) {
	defer decorate.OnError(&err, "could not add %d features to %s", len(features), layer.URL)

	if len(features) == 0 {
		return 0, nil
	}

	adds := make([]models.Feature, len(features))
	for i, f := range features {
		adds[i] = models.Feature{Attributes: addableAttributes(f.Attributes), Geometry: f.Geometry}
	}

	form := url.Values{}
	form.Set("features", mustJSON(adds))
	form.Set("rollbackOnFailure", "true")

	var resp struct {
		AddResults []editResult `json:"addResults"`
	}
	if err := c.do(ctx, http.MethodPost, layer.URL+"/addFeatures", form, &resp); err != nil {
		return 0, err
	}

	var failed []string
	for _, r := range resp.AddResults {
		if r.Success {
			added++
			continue
		}
		if r.Error != nil {
			failed = append(failed, r.Error.Message)
		} else {
			failed = append(failed, "unknown error")
		}
	}
	if len(failed) > 0 {
		return added, fmt.Errorf("%d of %d adds failed: %s", len(failed), len(features), strings.Join(failed, "; "))
	}
	if added != len(features) {
		return added, fmt.Errorf("server acknowledged %d of %d adds", added, len(features))
	}
	return added, nil
}

func addableAttributes(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		switch strings.ToLower(k) {
		case "objectid", "fid", "globalid":
			continue
		}
		out[k] = v
	}
	return out
}

func wkidOf(sr *models.SpatialReference) int {
	if sr == nil {
		return 0
	}
	if sr.LatestWKID != 0 {
		return sr.LatestWKID
	}
	return sr.WKID
}
