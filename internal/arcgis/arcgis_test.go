package arcgis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mr1hm/go-fire-dispatch/internal/config"
	"github.com/mr1hm/go-fire-dispatch/internal/models"
)

const (
	testToken    = "tok-123"
	testPassword = "hunter2"
)

var testItems = map[string]string{
	"webmap1":      "",
	"fire1":        "Fire",
	"parcels1":     "Parcels",
	"streets1":     "Streets",
	"parcelsRisk1": "ParcelsAtRisk",
	"streetsRisk1": "StreetsAtRisk",
}

// fakePortal serves the subset of the portal, feature service and geometry
// service endpoints the client uses.
type fakePortal struct {
	srv *httptest.Server

	mu         sync.Mutex
	queries    map[string]string // service name -> query response
	pages      map[string][]string
	offsets    []string
	truncated  []string
	added      map[string][]models.Feature
	failAdds   bool
	lastBuffer url.Values
	lastQuery  url.Values
}

func newFakePortal(t *testing.T) *fakePortal {
	t.Helper()

	p := &fakePortal{
		queries: map[string]string{},
		pages:   map[string][]string{},
		added:   map[string][]models.Feature{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sharing/rest/generateToken", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("password") != testPassword {
			writeError(w, 400, "Unable to generate token.", "Invalid username or password.")
			return
		}
		fmt.Fprintf(w, `{"token":%q,"expires":%d,"ssl":true}`, testToken, time.Now().Add(time.Hour).UnixMilli())
	})
	mux.HandleFunc("GET /sharing/rest/content/items/{id}", p.authed(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		name, ok := testItems[id]
		if !ok {
			writeError(w, 400, "Item does not exist or is inaccessible.")
			return
		}
		svcURL := ""
		if name != "" {
			svcURL = p.srv.URL + "/arcgis/rest/services/" + name + "/FeatureServer"
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id, "title": name, "type": "Feature Service", "url": svcURL})
	}))
	mux.HandleFunc("POST /arcgis/rest/services/{name}/FeatureServer/0/query", p.authed(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.lastQuery = r.Form
		p.offsets = append(p.offsets, r.Form.Get("resultOffset"))
		resp, ok := p.queries[r.PathValue("name")]
		// paged responses are served in order, one per request
		if pages := p.pages[r.PathValue("name")]; len(pages) > 0 {
			resp, ok = pages[0], true
			p.pages[r.PathValue("name")] = pages[1:]
		}
		p.mu.Unlock()
		if !ok {
			resp = `{"features":[]}`
		}
		fmt.Fprint(w, resp)
	}))
	mux.HandleFunc("POST /arcgis/rest/services/{name}/FeatureServer/0/addFeatures", p.authed(func(w http.ResponseWriter, r *http.Request) {
		var features []models.Feature
		if err := json.Unmarshal([]byte(r.FormValue("features")), &features); err != nil {
			writeError(w, 400, "Unable to parse features.")
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		p.added[r.PathValue("name")] = features

		results := make([]map[string]any, len(features))
		for i := range features {
			results[i] = map[string]any{"objectId": i + 1, "success": true}
		}
		if p.failAdds && len(results) > 0 {
			results[len(results)-1] = map[string]any{"success": false, "error": map[string]any{"code": 1000, "message": "geometry invalid"}}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"addResults": results})
	}))
	mux.HandleFunc("POST /arcgis/rest/admin/services/{name}/FeatureServer/0/truncate", p.authed(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.truncated = append(p.truncated, r.PathValue("name"))
		p.mu.Unlock()
		fmt.Fprint(w, `{"success":true}`)
	}))
	mux.HandleFunc("POST /geometry/buffer", p.authed(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.lastBuffer = r.Form
		p.mu.Unlock()
		fmt.Fprint(w, `{"geometryType":"esriGeometryPolygon","geometries":[{"rings":[[[0,0],[0,10],[10,10],[10,0],[0,0]]]}]}`)
	}))
	mux.HandleFunc("POST /geometry/intersect", p.authed(func(w http.ResponseWriter, r *http.Request) {
		// Clipping is the identity here; the client only relies on order.
		fmt.Fprint(w, r.FormValue("geometries"))
	}))

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePortal) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.Form.Get("f") != "json" {
			http.Error(w, "f=json expected", http.StatusBadRequest)
			return
		}
		if r.Form.Get("token") != testToken {
			writeError(w, 498, "Invalid token.")
			return
		}
		h(w, r)
	}
}

func writeError(w http.ResponseWriter, code int, msg string, details ...string) {
	if details == nil {
		details = []string{}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": msg, "details": details},
	})
}

func (p *fakePortal) config(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		ArcGIS: config.ArcGISConfig{
			Profile:            "profile_emergency",
			ProfileFile:        filepath.Join(t.TempDir(), "missing"),
			URL:                p.srv.URL,
			Username:           "dispatcher",
			Password:           testPassword,
			Referer:            "fire-dispatch",
			TokenExpiration:    time.Hour,
			GeometryServiceURL: p.srv.URL + "/geometry",
		},
		Layers: config.LayersConfig{
			WebMapItemID:        "webmap1",
			FireItemID:          "fire1",
			ParcelsItemID:       "parcels1",
			StreetsItemID:       "streets1",
			ParcelsAtRiskItemID: "parcelsRisk1",
			StreetsAtRiskItemID: "streetsRisk1",
		},
		HTTP: config.HTTPConfig{Timeout: 5 * time.Second, RetryMax: 0},
	}
}

func TestConnect(t *testing.T) {
	p := newFakePortal(t)

	s, err := Connect(context.Background(), p.config(t))
	require.NoError(t, err)

	fire, ok := s.Layer(models.LayerFire)
	require.True(t, ok)
	require.Equal(t, p.srv.URL+"/arcgis/rest/services/Fire/FeatureServer/0", fire.URL)
	require.Equal(t, p.srv.URL+"/arcgis/rest/admin/services/Fire/FeatureServer/0", fire.AdminURL())

	for _, role := range []models.LayerRole{models.LayerParcels, models.LayerStreets, models.LayerParcelsAtRisk, models.LayerStreetsAtRisk} {
		_, ok := s.Layer(role)
		require.True(t, ok, "layer %s should be resolved", role)
	}
	require.Equal(t, "arcgis-collector://?itemID=webmap1", s.DeepLink())
}

func TestConnect_Errors(t *testing.T) {
	p := newFakePortal(t)

	tests := map[string]struct {
		mutate func(*config.Config)
	}{
		"Wrong password":     {mutate: func(c *config.Config) { c.ArcGIS.Password = "nope" }},
		"Unknown web map":    {mutate: func(c *config.Config) { c.Layers.WebMapItemID = "missing" }},
		"Unknown layer":      {mutate: func(c *config.Config) { c.Layers.StreetsItemID = "missing" }},
		"Web map as layer":   {mutate: func(c *config.Config) { c.Layers.FireItemID = "webmap1" }},
		"No credentials":     {mutate: func(c *config.Config) { c.ArcGIS.Username = "" }},
		"Portal unreachable": {mutate: func(c *config.Config) { c.ArcGIS.URL = "http://127.0.0.1:1" }},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := p.config(t)
			tc.mutate(cfg)

			_, err := Connect(context.Background(), cfg)
			require.Error(t, err)
		})
	}
}

func TestConnect_WrongPasswordIsAPIError(t *testing.T) {
	p := newFakePortal(t)
	cfg := p.config(t)
	cfg.ArcGIS.Password = "nope"

	_, err := Connect(context.Background(), cfg)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "expected *APIError, got %v", err)
	require.Equal(t, 400, apiErr.Code)
	require.Contains(t, err.Error(), "Invalid username or password.")
}

func TestClient_TokenRequired(t *testing.T) {
	p := newFakePortal(t)

	c := NewClient(p.srv.URL, Options{Timeout: time.Second})
	_, err := c.GetItem(context.Background(), "fire1")
	require.True(t, IsTokenError(err), "expected token error, got %v", err)
}

func TestSession_QueryWatched(t *testing.T) {
	p := newFakePortal(t)
	p.queries["Fire"] = `{
		"geometryType": "esriGeometryPolygon",
		"spatialReference": {"wkid": 102100, "latestWkid": 3857},
		"features": [{
			"attributes": {"OBJECTID": 7, "EditDate": 1512345678000},
			"geometry": {"rings": [[[0,0],[0,1],[1,1],[1,0],[0,0]]]}
		}]
	}`

	s, err := Connect(context.Background(), p.config(t))
	require.NoError(t, err)

	fs, err := s.QueryWatched(context.Background(), []string{"EditDate"}, false)
	require.NoError(t, err)
	require.Len(t, fs.Features, 1)
	require.Equal(t, "EditDate", p.lastQuery.Get("outFields"))
	require.Equal(t, "false", p.lastQuery.Get("returnGeometry"))
	require.Equal(t, "1=1", p.lastQuery.Get("where"))

	ts, err := fs.Features[0].Int64("EditDate")
	require.NoError(t, err)
	require.Equal(t, int64(1512345678000), ts)

	g := fs.Features[0].Geometry
	require.NotNil(t, g.SpatialReference, "geometry should inherit the set's spatial reference")
	require.Equal(t, 102100, g.SpatialReference.WKID)
}

func TestSession_Buffer(t *testing.T) {
	p := newFakePortal(t)
	s, err := Connect(context.Background(), p.config(t))
	require.NoError(t, err)

	in := &models.Geometry{
		Rings:            [][][]float64{{{1, 1}, {1, 2}, {2, 2}, {2, 1}, {1, 1}}},
		SpatialReference: &models.SpatialReference{WKID: 102100},
	}
	buf, err := s.Buffer(context.Background(), in, 100, "feet")
	require.NoError(t, err)
	require.Len(t, buf.Rings, 1)
	require.Equal(t, in.SpatialReference, buf.SpatialReference)

	require.Equal(t, "9002", p.lastBuffer.Get("unit"))
	require.Equal(t, "100", p.lastBuffer.Get("distances"))
	require.Equal(t, "true", p.lastBuffer.Get("unionResults"))
	require.Equal(t, "true", p.lastBuffer.Get("geodesic"))
	require.Equal(t, "102100", p.lastBuffer.Get("inSR"))

	_, err = s.Buffer(context.Background(), in, 100, "furlongs")
	require.Error(t, err)

	_, err = s.Buffer(context.Background(), &models.Geometry{}, 100, "feet")
	require.Error(t, err, "empty geometry should not be sent")
}

func TestSession_Overlay(t *testing.T) {
	p := newFakePortal(t)
	p.queries["Parcels"] = `{
		"geometryType": "esriGeometryPolygon",
		"features": [
			{"attributes": {"APN": "001"}, "geometry": {"rings": [[[0,0],[0,1],[1,1],[0,0]]]}},
			{"attributes": {"APN": "002"}},
			{"attributes": {"APN": "003"}, "geometry": {"rings": [[[2,2],[2,3],[3,3],[2,2]]]}}
		]
	}`

	s, err := Connect(context.Background(), p.config(t))
	require.NoError(t, err)

	area := &models.Geometry{
		Rings:            [][][]float64{{{0, 0}, {0, 10}, {10, 10}, {10, 0}, {0, 0}}},
		SpatialReference: &models.SpatialReference{WKID: 102100},
	}
	got, err := s.Overlay(context.Background(), models.LayerParcels, area)
	require.NoError(t, err)
	require.Len(t, got, 2, "features without geometry cannot be clipped")
	require.Equal(t, "001", got[0].String("APN"))
	require.Equal(t, "003", got[1].String("APN"))
	require.Equal(t, area.SpatialReference, got[1].Geometry.SpatialReference)

	require.Equal(t, SpatialRelIntersects, p.lastQuery.Get("spatialRel"))
	require.Equal(t, "esriGeometryPolygon", p.lastQuery.Get("geometryType"))
	require.Equal(t, "102100", p.lastQuery.Get("inSR"))
}

func TestSession_OverlayPagesThroughTransferLimit(t *testing.T) {
	p := newFakePortal(t)
	p.pages["Parcels"] = []string{
		`{"exceededTransferLimit": true, "features": [
			{"attributes": {"APN": "001"}, "geometry": {"rings": [[[0,0],[0,1],[1,1],[0,0]]]}},
			{"attributes": {"APN": "002"}, "geometry": {"rings": [[[1,1],[1,2],[2,2],[1,1]]]}}
		]}`,
		`{"features": [
			{"attributes": {"APN": "003"}, "geometry": {"rings": [[[2,2],[2,3],[3,3],[2,2]]]}}
		]}`,
	}

	s, err := Connect(context.Background(), p.config(t))
	require.NoError(t, err)

	area := &models.Geometry{Rings: [][][]float64{{{0, 0}, {0, 10}, {10, 10}, {10, 0}, {0, 0}}}}
	got, err := s.Overlay(context.Background(), models.LayerParcels, area)
	require.NoError(t, err)
	require.Len(t, got, 3, "every page must be part of the overlay")
	require.Equal(t, "003", got[2].String("APN"))

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Equal(t, []string{"", "2"}, p.offsets[len(p.offsets)-2:])
}

func TestSession_OverlayEmptyPageOverLimit(t *testing.T) {
	p := newFakePortal(t)
	p.pages["Parcels"] = []string{`{"exceededTransferLimit": true, "features": []}`}

	s, err := Connect(context.Background(), p.config(t))
	require.NoError(t, err)

	area := &models.Geometry{Rings: [][][]float64{{{0, 0}, {0, 1}, {1, 1}, {0, 0}}}}
	_, err = s.Overlay(context.Background(), models.LayerParcels, area)
	require.Error(t, err, "a capped result must never pass as complete")
}

func TestSession_OverlayNoCandidates(t *testing.T) {
	p := newFakePortal(t)
	s, err := Connect(context.Background(), p.config(t))
	require.NoError(t, err)

	area := &models.Geometry{Rings: [][][]float64{{{0, 0}, {0, 1}, {1, 1}, {0, 0}}}}
	got, err := s.Overlay(context.Background(), models.LayerStreets, area)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSession_TruncateAndAdd(t *testing.T) {
	p := newFakePortal(t)
	s, err := Connect(context.Background(), p.config(t))
	require.NoError(t, err)

	features := []models.Feature{
		{Attributes: map[string]any{"OBJECTID": 11, "GlobalID": "{abc}", "APN": "001"}},
		{Attributes: map[string]any{"OBJECTID": 12, "APN": "002"}},
	}

	require.NoError(t, s.Truncate(context.Background(), models.LayerParcelsAtRisk))
	require.NoError(t, s.AddFeatures(context.Background(), models.LayerParcelsAtRisk, features))

	require.Equal(t, []string{"ParcelsAtRisk"}, p.truncated)
	added := p.added["ParcelsAtRisk"]
	require.Len(t, added, 2)
	require.Equal(t, map[string]any{"APN": "001"}, added[0].Attributes)
	require.Equal(t, map[string]any{"APN": "002"}, added[1].Attributes)
}

func TestSession_AddFeaturesNothingToAdd(t *testing.T) {
	p := newFakePortal(t)
	s, err := Connect(context.Background(), p.config(t))
	require.NoError(t, err)

	require.NoError(t, s.AddFeatures(context.Background(), models.LayerStreetsAtRisk, nil))
	require.NotContains(t, p.added, "StreetsAtRisk")
}

func TestSession_AddFeaturesPartialFailure(t *testing.T) {
	p := newFakePortal(t)
	p.failAdds = true
	s, err := Connect(context.Background(), p.config(t))
	require.NoError(t, err)

	err = s.AddFeatures(context.Background(), models.LayerStreetsAtRisk, []models.Feature{
		{Attributes: map[string]any{"FULL_NAME": "FOOTHILL RD"}},
		{Attributes: map[string]any{"FULL_NAME": "MISSION CANYON RD"}},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "geometry invalid")
}

func TestResolveLayer_LayerURL(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("GET /sharing/rest/content/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": r.PathValue("id"), "url": srv.URL + "/arcgis/rest/services/Fire/FeatureServer/3"})
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	l, err := NewClient(srv.URL, Options{Timeout: time.Second}).ResolveLayer(context.Background(), "fire1")
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/arcgis/rest/services/Fire/FeatureServer/3", l.URL)
}

func TestClient_HTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, Options{Timeout: time.Second}).GetItem(context.Background(), "x")
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".arcgisprofile")
	content := `[profile_emergency]
url = https://portal.example.com
username = dispatcher
password = secret

[profile_other]
url = https://other.example.com
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "Setup: WriteFile should not fail")

	p, err := LoadProfile(path, "profile_emergency")
	require.NoError(t, err)
	require.Equal(t, &Profile{Name: "profile_emergency", URL: "https://portal.example.com", Username: "dispatcher", Password: "secret"}, p)

	_, err = LoadProfile(path, "profile_missing")
	require.Error(t, err)

	_, err = LoadProfile(filepath.Join(t.TempDir(), "nope"), "profile_emergency")
	require.Error(t, err)
}

func TestResolveProfile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, ".arcgisprofile")
	require.NoError(t, os.WriteFile(file, []byte("[p]\nurl = https://file.example.com\nusername = fileuser\npassword = filepass\n"), 0o600), "Setup: WriteFile should not fail")

	tests := map[string]struct {
		cfg config.ArcGISConfig

		want    *Profile
		wantErr bool
	}{
		"From file": {
			cfg:  config.ArcGISConfig{Profile: "p", ProfileFile: file},
			want: &Profile{Name: "p", URL: "https://file.example.com", Username: "fileuser", Password: "filepass"},
		},
		"Env overrides file": {
			cfg:  config.ArcGISConfig{Profile: "p", ProfileFile: file, Password: "envpass"},
			want: &Profile{Name: "p", URL: "https://file.example.com", Username: "fileuser", Password: "envpass"},
		},
		"Env only": {
			cfg:  config.ArcGISConfig{Profile: "p", ProfileFile: filepath.Join(dir, "missing"), URL: "https://env.example.com", Username: "u", Password: "pw"},
			want: &Profile{Name: "p", URL: "https://env.example.com", Username: "u", Password: "pw"},
		},
		"Missing section": {
			cfg:     config.ArcGISConfig{Profile: "other", ProfileFile: file},
			wantErr: true,
		},
		"Nothing configured": {
			cfg:     config.ArcGISConfig{Profile: "p", ProfileFile: filepath.Join(dir, "missing")},
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := resolveProfile(tc.cfg)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}
