package tilepack

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Region is the geographic box an offline package covers.
type Region struct {
	Name   string
	South  float64
	North  float64
	West   float64
	East   float64
	Center orb.Point // lon, lat
}

// Kolkata is the coverage area of the offline package.
var Kolkata = Region{
	Name:   "Kolkata",
	South:  22.45,
	North:  22.70,
	West:   88.25,
	East:   88.50,
	Center: orb.Point{88.3639, 22.5726},
}

// Contains reports whether lat, lng lies inside the closed bounds. Any NaN input returns false.
func (r Region) Contains(lat, lng float64) bool {
	return r.South <= lat && lat <= r.North && r.West <= lng && lng <= r.East
}

// Bound returns the region as an orb.Bound in lon, lat order.
func (r Region) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{r.West, r.South}, Max: orb.Point{r.East, r.North}}
}

// GeoJSON renders the region as a Feature with its center and name as properties.
func (r Region) GeoJSON() ([]byte, error) {
	f := geojson.NewFeature(r.Bound().ToPolygon())
	f.Properties["name"] = r.Name
	f.Properties["center"] = []float64{r.Center.Lon(), r.Center.Lat()}
	return f.MarshalJSON()
}

// ParseBbox parses "min_lon,min_lat,max_lon,max_lat" into a Region centered on the box.
func ParseBbox(bbox string) (Region, error) {
	parts := strings.Split(bbox, ",")
	if len(parts) != 4 {
		return Region{}, fmt.Errorf("bbox must have 4 comma-separated values, got %d", len(parts))
	}
	values := make([]float64, 4)
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return Region{}, fmt.Errorf("invalid bbox value %q: %w", part, err)
		}
		values[i] = v
	}
	r := Region{
		Name:  "custom",
		West:  values[0],
		South: values[1],
		East:  values[2],
		North: values[3],
	}
	if !(r.South <= r.North) || !(r.West <= r.East) {
		return Region{}, fmt.Errorf("bbox %s has inverted bounds", bbox)
	}
	r.Center = r.Bound().Center()
	return r, nil
}
