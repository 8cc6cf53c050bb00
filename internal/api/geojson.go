package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mr1hm/go-fire-dispatch/internal/geometry"
	"github.com/mr1hm/go-fire-dispatch/internal/models"
)

// atRiskLayers maps the :layer path value to a derived layer.
var atRiskLayers = map[string]models.LayerRole{
	"parcels": models.LayerParcelsAtRisk,
	"streets": models.LayerStreetsAtRisk,
}

// getAtRisk serves the features last written to a derived layer as a
// WGS84 GeoJSON FeatureCollection. Only WGS84 and Web Mercator layers can
// be converted locally; features in any other spatial reference get a 422.
func (h *Handler) getAtRisk(c *gin.Context) {
	role, ok := atRiskLayers[c.Param("layer")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown layer, use parcels or streets"})
		return
	}

	a, ok := h.status.AtRisk(role)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no dispatch has run yet"})
		return
	}

	fc, err := geometry.ToGeoJSON(a.Features, a.SpatialReference)
	if errors.Is(err, geometry.ErrUnsupportedSR) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		slog.Error("error converting at-risk features", "layer", role, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to convert features"})
		return
	}

	c.Header("X-Edit-Date", strconv.FormatInt(a.EditDate, 10))
	c.Header("Content-Type", "application/geo+json")
	c.JSON(http.StatusOK, fc)
}
