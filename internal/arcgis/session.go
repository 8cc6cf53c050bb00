package arcgis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mr1hm/go-fire-dispatch/internal/config"
	"github.com/mr1hm/go-fire-dispatch/internal/models"
)

// Session is an authenticated client plus the resolved layer handles. It is
// never mutated after Connect; recovery builds a new one.
type Session struct {
	client   *Client
	webMapID string
	layers   map[models.LayerRole]Layer
}

// Connect authenticates against the configured portal and resolves every
// layer the dispatcher uses.
func Connect(ctx context.Context, cfg *config.Config) (*Session, error) {
	profile, err := resolveProfile(cfg.ArcGIS)
	if err != nil {
		return nil, err
	}

	client := NewClient(profile.URL, Options{
		Timeout:            cfg.HTTP.Timeout,
		RetryMax:           cfg.HTTP.RetryMax,
		Referer:            cfg.ArcGIS.Referer,
		TokenExpiration:    cfg.ArcGIS.TokenExpiration,
		GeometryServiceURL: cfg.ArcGIS.GeometryServiceURL,
	})
	if err := client.Authenticate(ctx, profile.Username, profile.Password); err != nil {
		return nil, err
	}

	if _, err := client.GetItem(ctx, cfg.Layers.WebMapItemID); err != nil {
		return nil, fmt.Errorf("error resolving web map: %w", err)
	}

	items := map[models.LayerRole]string{
		models.LayerFire:          cfg.Layers.FireItemID,
		models.LayerParcels:       cfg.Layers.ParcelsItemID,
		models.LayerStreets:       cfg.Layers.StreetsItemID,
		models.LayerParcelsAtRisk: cfg.Layers.ParcelsAtRiskItemID,
		models.LayerStreetsAtRisk: cfg.Layers.StreetsAtRiskItemID,
	}

	s := &Session{
		client:   client,
		webMapID: cfg.Layers.WebMapItemID,
		layers:   make(map[models.LayerRole]Layer, len(items)),
	}
	for role, id := range items {
		layer, err := client.ResolveLayer(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("error resolving %s layer: %w", role, err)
		}
		s.layers[role] = *layer
	}

	slog.Info("connected to portal", "portal", profile.URL, "profile", profile.Name, "user", profile.Username)
	return s, nil
}

func (s *Session) layer(role models.LayerRole) (Layer, error) {
	l, ok := s.layers[role]
	if !ok {
		return Layer{}, fmt.Errorf("no layer resolved for role %s", role)
	}
	return l, nil
}

// Layer returns the resolved handle for role.
func (s *Session) Layer(role models.LayerRole) (Layer, bool) {
	l, ok := s.layers[role]
	return l, ok
}

func (s *Session) QueryWatched(ctx context.Context, outFields []string, withGeometry bool) (*models.FeatureSet, error) {
	l, err := s.layer(models.LayerFire)
	if err != nil {
		return nil, err
	}
	return s.client.Query(ctx, l, QueryParams{OutFields: outFields, ReturnGeometry: withGeometry})
}

func (s *Session) Buffer(ctx context.Context, g *models.Geometry, distance float64, unit string) (*models.Geometry, error) {
	code, ok := config.BufferUnits[unit]
	if !ok {
		return nil, fmt.Errorf("unsupported buffer unit: %s", unit)
	}
	return s.client.Buffer(ctx, g, distance, code)
}

func (s *Session) Overlay(ctx context.Context, ref models.LayerRole, area *models.Geometry) ([]models.Feature, error) {
	l, err := s.layer(ref)
	if err != nil {
		return nil, err
	}
	return s.client.Intersect(ctx, l, area)
}

func (s *Session) Truncate(ctx context.Context, role models.LayerRole) error {
	l, err := s.layer(role)
	if err != nil {
		return err
	}
	return s.client.Truncate(ctx, l)
}

func (s *Session) AddFeatures(ctx context.Context, role models.LayerRole, features []models.Feature) error {
	l, err := s.layer(role)
	if err != nil {
		return err
	}
	_, err = s.client.AddFeatures(ctx, l, features)
	return err
}

// DeepLink opens the web map in the field collection app.
func (s *Session) DeepLink() string {
	return "arcgis-collector://?itemID=" + s.webMapID
}
