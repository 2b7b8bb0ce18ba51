package dispatch

import (
	"math"
	"strconv"
)

// LatLon is a point on the globe. Stored and wired as {"lat":..,"lon":..}.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Bounds is a zone's rectangular extent, inclusive on both ends per
// point_zone's lookup rule.
type Bounds struct {
	LatMin float64 `json:"lat_min"`
	LatMax float64 `json:"lat_max"`
	LonMin float64 `json:"lon_min"`
	LonMax float64 `json:"lon_max"`
}

// Zone is one cell of the rectangle-decomposed grid.
type Zone struct {
	Name      string   `json:"name"`
	Row       int      `json:"row"`
	Col       int      `json:"col"`
	Bounds    Bounds   `json:"bounds"`
	Charge    LatLon   `json:"charge"`
	Neighbors []string `json:"neighbors"`
}

// ZonesConfig is the stored `zones_config` document: a fixed rectangle
// divided into Rows x Cols cells, top-to-bottom left-to-right, with
// 4-neighbor (not geometric) adjacency.
type ZonesConfig struct {
	Rows  int    `json:"rows"`
	Cols  int    `json:"cols"`
	Zones []Zone `json:"zones"`
}

// BuildZonesConfig divides the rectangle [latMin,latMax]x[lonMin,lonMax]
// into rows*cols equal cells. Grid coordinates drive adjacency, not
// geometric distance.
func BuildZonesConfig(latMin, latMax, lonMin, lonMax float64, rows, cols int) ZonesConfig {
	if rows <= 0 {
		rows = 1
	}
	if cols <= 0 {
		cols = 1
	}
	latStep := (latMax - latMin) / float64(rows)
	lonStep := (lonMax - lonMin) / float64(cols)

	zones := make([]Zone, 0, rows*cols)
	nameAt := func(r, c int) string {
		idx := r*cols + c
		return zoneName(idx)
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			b := Bounds{
				LatMin: latMin + float64(r)*latStep,
				LatMax: latMin + float64(r+1)*latStep,
				LonMin: lonMin + float64(c)*lonStep,
				LonMax: lonMin + float64(c+1)*lonStep,
			}
			charge := LatLon{Lat: (b.LatMin + b.LatMax) / 2, Lon: (b.LonMin + b.LonMax) / 2}
			var neighbors []string
			if r > 0 {
				neighbors = append(neighbors, nameAt(r-1, c))
			}
			if r < rows-1 {
				neighbors = append(neighbors, nameAt(r+1, c))
			}
			if c > 0 {
				neighbors = append(neighbors, nameAt(r, c-1))
			}
			if c < cols-1 {
				neighbors = append(neighbors, nameAt(r, c+1))
			}
			zones = append(zones, Zone{
				Name: nameAt(r, c), Row: r, Col: c, Bounds: b, Charge: charge, Neighbors: neighbors,
			})
		}
	}
	return ZonesConfig{Rows: rows, Cols: cols, Zones: zones}
}

func zoneName(idx int) string {
	return "zone " + strconv.Itoa(idx)
}

// PointZone returns the name of the first zone (in stored order) whose
// bounds contain p, inclusive on both ends, or "" if none match.
func PointZone(cfg ZonesConfig, p LatLon) string {
	for _, z := range cfg.Zones {
		if p.Lat >= z.Bounds.LatMin && p.Lat <= z.Bounds.LatMax &&
			p.Lon >= z.Bounds.LonMin && p.Lon <= z.Bounds.LonMax {
			return z.Name
		}
	}
	return ""
}

func zoneByName(cfg ZonesConfig, name string) (Zone, bool) {
	for _, z := range cfg.Zones {
		if z.Name == name {
			return z, true
		}
	}
	return Zone{}, false
}

// zoneRank returns a zone-proximity rank key: 0 if a and b are the same
// zone, 1 if they're 4-neighbors, 2 otherwise.
func zoneRank(cfg ZonesConfig, a, b string) int {
	if a == b {
		return 0
	}
	za, ok := zoneByName(cfg, a)
	if !ok {
		return 2
	}
	for _, n := range za.Neighbors {
		if n == b {
			return 1
		}
	}
	return 2
}

const earthRadiusKM = 6371.0

// Haversine returns the great-circle distance between a and b in km.
func Haversine(a, b LatLon) float64 {
	lat1, lon1 := deg2rad(a.Lat), deg2rad(a.Lon)
	lat2, lon2 := deg2rad(b.Lat), deg2rad(b.Lon)
	dLat := lat2 - lat1
	dLon := lon2 - lon1
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Asin(math.Min(1, math.Sqrt(h)))
	return earthRadiusKM * c
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }

// NearestChargePoint returns the closest zone charge point to p. Used
// by the dispatcher's feasibility check and the drone simulator's
// charging-movement target.
func NearestChargePoint(cfg ZonesConfig, p LatLon) LatLon {
	best := p
	bestDist := math.MaxFloat64
	for _, z := range cfg.Zones {
		d := Haversine(p, z.Charge)
		if d < bestDist {
			bestDist = d
			best = z.Charge
		}
	}
	return best
}

// weightClass maps a delivery weight in kg to a drone class: light <=
// 3kg, medium <= 7kg, else heavy.
func weightClass(weightKG float64) string {
	switch {
	case weightKG <= 3:
		return "light"
	case weightKG <= 7:
		return "medium"
	default:
		return "heavy"
	}
}
