package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ecotrack/ecotrack/internal/model"
)

// resolveLocation fills whichever half of loc is missing: coordinates from
// the address, or an address from the coordinates. Lookups are best-effort;
// a failure leaves loc as given.
func (a *app) resolveLocation(ctx context.Context, loc *model.Location) {
	switch {
	case loc.IsZero() && loc.Address != "":
		places, err := a.geo.Geocode(ctx, loc.Address)
		if err != nil || len(places) == 0 {
			a.log.Warn("could not geocode address, submitting without coordinates", "address", loc.Address, "error", err)
			return
		}
		loc.Lat, loc.Lng = places[0].Lat, places[0].Lng
	case !loc.IsZero() && loc.Address == "":
		place, err := a.geo.ReverseGeocode(ctx, loc.Lat, loc.Lng)
		if err != nil {
			a.log.Debug("reverse geocoding failed", "lat", loc.Lat, "lng", loc.Lng, "error", err)
			return
		}
		loc.Address = place.Address
	}
}

func runGeocode(args []string) error {
	fs, g := newFlagSet("geocode")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) < 2 {
		return fmt.Errorf("usage: ecotrack geocode reverse <lat> <lng> | forward <address> | suggest <text> | details <place-id>")
	}
	mode, query := rest[0], strings.Join(rest[1:], " ")

	a, err := openApp(g, slog.LevelWarn)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	switch mode {
	case "reverse":
		if len(rest) != 3 {
			return fmt.Errorf("usage: ecotrack geocode reverse <lat> <lng>")
		}
		lat, errLat := strconv.ParseFloat(rest[1], 64)
		lng, errLng := strconv.ParseFloat(rest[2], 64)
		if errLat != nil || errLng != nil {
			return fmt.Errorf("coordinates must be numbers")
		}
		p, err := a.geo.ReverseGeocode(ctx, lat, lng)
		if err != nil {
			return err
		}
		fmt.Println(p.Address)
	case "forward":
		places, err := a.geo.Geocode(ctx, query)
		if err != nil {
			return err
		}
		for _, p := range places {
			fmt.Printf("%.6f,%.6f\t%s\n", p.Lat, p.Lng, p.Address)
		}
	case "suggest":
		suggestions, err := a.geo.Suggest(ctx, query)
		if err != nil {
			return err
		}
		for _, s := range suggestions {
			fmt.Printf("%s\t%s\n", s.PlaceID, s.Description)
		}
	case "details":
		p, err := a.geo.PlaceDetails(ctx, query)
		if err != nil {
			return err
		}
		fmt.Printf("%.6f,%.6f\t%s\n", p.Lat, p.Lng, p.Address)
	default:
		return fmt.Errorf("unknown geocode mode %q", mode)
	}
	return nil
}

func runClearCache(args []string) error {
	fs, g := newFlagSet("clear-cache")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(g, slog.LevelWarn)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	if err := a.geo.ClearCache(ctx); err != nil {
		return err
	}
	fmt.Println("Geocoding cache cleared.")
	return nil
}
