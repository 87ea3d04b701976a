// Package geo holds the spatial helpers used around reports: great-circle
// proximity for the near filter and GeoJSON export for map views.
package geo

import (
	"fmt"
	"time"

	"github.com/golang/geo/s2"
	geojson "github.com/paulmach/go.geojson"

	"github.com/ecotrack/ecotrack/internal/model"
)

// earthRadiusM is the mean Earth radius used to convert s2 angles.
const earthRadiusM = 6371008.8

// DistanceMeters returns the great-circle distance between a and b.
func DistanceMeters(a, b model.Location) float64 {
	la := s2.LatLngFromDegrees(a.Lat, a.Lng)
	lb := s2.LatLngFromDegrees(b.Lat, b.Lng)
	return la.Distance(lb).Radians() * earthRadiusM
}

// Within reports whether loc lies inside the circle described by near. A nil
// near matches everything.
func Within(loc model.Location, near *model.Near) bool {
	if near == nil {
		return true
	}
	return DistanceMeters(loc, model.Location{Lat: near.Lat, Lng: near.Lng}) <= near.RadiusM
}

// FilterNear keeps the reports located within near, preserving order.
func FilterNear(reports []*model.Report, near *model.Near) []*model.Report {
	if near == nil {
		return reports
	}
	out := reports[:0:0]
	for _, r := range reports {
		if Within(r.Location, near) {
			out = append(out, r)
		}
	}
	return out
}

// FeatureCollection renders reports as GeoJSON point features. Coordinates
// follow GeoJSON order (lng, lat).
func FeatureCollection(reports []*model.Report) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, r := range reports {
		f := geojson.NewPointFeature([]float64{r.Location.Lng, r.Location.Lat})
		f.ID = r.ID
		f.SetProperty("type", string(r.Type))
		f.SetProperty("severity", string(r.Severity))
		f.SetProperty("status", string(r.Status))
		f.SetProperty("timestamp", r.Timestamp.UTC().Format(time.RFC3339))
		if r.Location.Address != "" {
			f.SetProperty("address", r.Location.Address)
		}
		if r.Description != "" {
			f.SetProperty("description", r.Description)
		}
		f.SetProperty("photos", len(r.Photos))
		fc.AddFeature(f)
	}
	return fc
}

// MarshalFeatureCollection is FeatureCollection followed by JSON encoding.
func MarshalFeatureCollection(reports []*model.Report) ([]byte, error) {
	data, err := FeatureCollection(reports).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encoding GeoJSON: %w", err)
	}
	return data, nil
}
