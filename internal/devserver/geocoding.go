package devserver

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ecotrack/ecotrack/internal/geo"
	"github.com/ecotrack/ecotrack/internal/geocode"
	"github.com/ecotrack/ecotrack/internal/model"
)

// maxSuggestions caps autocomplete responses.
const maxSuggestions = 5

// gazetteer is the fixed set of places the dev server can resolve.
var gazetteer = []geocode.Place{
	{PlaceID: "p-thames-barrier", Address: "Thames Barrier, Woolwich, London", Lat: 51.4975, Lng: 0.0369},
	{PlaceID: "p-hyde-park", Address: "Hyde Park, London", Lat: 51.5073, Lng: -0.1657},
	{PlaceID: "p-lea-valley", Address: "Lee Valley Park, Waltham Abbey", Lat: 51.6872, Lng: -0.0061},
	{PlaceID: "p-rhine-koeln", Address: "Rheinufer, Köln", Lat: 50.9413, Lng: 6.9633},
	{PlaceID: "p-tiergarten", Address: "Tiergarten, Berlin", Lat: 52.5145, Lng: 13.3501},
	{PlaceID: "p-vondelpark", Address: "Vondelpark, Amsterdam", Lat: 52.3580, Lng: 4.8686},
}

// handleReverse returns the nearest gazetteer entry, addressed at the
// requested coordinate.
func (s *Server) handleReverse(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil || math.Abs(lat) > 90 || math.Abs(lng) > 180 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lat and lng must be valid coordinates"})
		return
	}

	at := model.Location{Lat: lat, Lng: lng}
	best := gazetteer[0]
	bestDist := math.Inf(1)
	for _, p := range gazetteer {
		if d := geo.DistanceMeters(at, model.Location{Lat: p.Lat, Lng: p.Lng}); d < bestDist {
			best, bestDist = p, d
		}
	}
	c.JSON(http.StatusOK, geocode.Place{
		PlaceID: best.PlaceID,
		Address: "near " + best.Address,
		Lat:     lat,
		Lng:     lng,
	})
}

func (s *Server) handleForward(c *gin.Context) {
	q := strings.TrimSpace(c.Query("address"))
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address is required"})
		return
	}
	c.JSON(http.StatusOK, matchPlaces(q, len(gazetteer)))
}

func (s *Server) handleSuggestions(c *gin.Context) {
	q := strings.TrimSpace(c.Query("query"))
	out := []geocode.Suggestion{}
	if q != "" {
		for _, p := range matchPlaces(q, maxSuggestions) {
			out = append(out, geocode.Suggestion{PlaceID: p.PlaceID, Description: p.Address})
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleDetails(c *gin.Context) {
	id := c.Query("placeId")
	for _, p := range gazetteer {
		if p.PlaceID == id {
			c.JSON(http.StatusOK, p)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "place not found"})
}

// matchPlaces returns up to limit entries whose address contains q,
// case-insensitively.
func matchPlaces(q string, limit int) []geocode.Place {
	q = strings.ToLower(q)
	out := []geocode.Place{}
	for _, p := range gazetteer {
		if len(out) == limit {
			break
		}
		if strings.Contains(strings.ToLower(p.Address), q) {
			out = append(out, p)
		}
	}
	return out
}
