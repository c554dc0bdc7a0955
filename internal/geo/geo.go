// Package geo holds lane-relative distance math and the conversions used to
// store positions as spatial points.
package geo

import (
	"errors"
	"fmt"

	"github.com/roadrl/carlaenv/pkg/sim"
	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"
	"gonum.org/v1/gonum/spatial/r3"
)

// GEO POINTS
// GNSS fixes are stored as EPSG:3857 so that SQLite, which has no spatial
// awareness, and PostGIS read the same WKB bytes.

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

func vec(l sim.Location) r3.Vec {
	return r3.Vec{X: l.X, Y: l.Y, Z: l.Z}
}

// LateralDistance returns the unsigned distance from pos to the line through
// the waypoint along its forward direction: the waypoint-to-pos vector minus
// its projection on the forward unit vector.
func LateralDistance(pos sim.Location, wp sim.Transform) float64 {
	fwd := wp.ForwardVector()
	f := r3.Unit(r3.Vec{X: fwd.X, Y: fwd.Y, Z: fwd.Z})
	d := r3.Sub(vec(pos), vec(wp.Location))
	along := r3.Scale(r3.Dot(d, f), f)
	return r3.Norm(r3.Sub(d, along))
}

// LaneDistances holds the lateral distance to the current lane and, when they
// exist, its neighbours. A nil neighbour means there is no such lane.
type LaneDistances struct {
	Center float64
	Left   *float64
	Right  *float64
}

// DistancesFromWaypoint evaluates LateralDistance against wp and its adjacent
// lanes.
func DistancesFromWaypoint(pos sim.Location, wp sim.Waypoint) LaneDistances {
	d := LaneDistances{Center: LateralDistance(pos, wp.Transform)}
	if wp.Left != nil {
		l := LateralDistance(pos, wp.Left.Transform)
		d.Left = &l
	}
	if wp.Right != nil {
		r := LateralDistance(pos, wp.Right.Transform)
		d.Right = &r
	}
	return d
}

// Coords3857From4326 creates a point from a longitude, latitude and altitude
func Coords3857From4326(
	longitude float64,
	latitude float64,
	altitude float64,
) (
	point geom.Point,
	err error,
) {
	if longitude < -180 || longitude > 180 || latitude < -90 || latitude > 90 {
		return geom.NewEmptyPoint(geom.DimXYZ), ErrInvalidCoordinates
	}
	epsg := wgs84.EPSG()
	f := epsg.Transform(4326, 3857)
	x, y, _ := f(longitude, latitude, 0)
	return PointXYZ(x, y, altitude)
}

// PointXYZ builds a validated XYZ point.
func PointXYZ(x, y, z float64) (geom.Point, error) {
	point, err := geom.NewPoint(geom.Coordinates{
		XY:   geom.XY{X: x, Y: y},
		Z:    z,
		Type: geom.DimXYZ,
	})
	if err != nil {
		return geom.NewEmptyPoint(geom.DimXYZ), err
	}
	return point, nil
}

// LineStringXY builds a line string from flat x,y pairs. Consecutive repeated
// positions are collapsed; fewer than two distinct positions yield an empty
// line string.
func LineStringXY(flat []float64) (geom.LineString, error) {
	pts := make([]float64, 0, len(flat))
	for i := 0; i+1 < len(flat); i += 2 {
		n := len(pts)
		if n >= 2 && pts[n-2] == flat[i] && pts[n-1] == flat[i+1] {
			continue
		}
		pts = append(pts, flat[i], flat[i+1])
	}
	if len(pts) < 4 {
		return geom.LineString{}, nil
	}
	ls, err := geom.NewLineString(geom.NewSequence(pts, geom.DimXY))
	if err != nil {
		return geom.LineString{}, fmt.Errorf("invalid trajectory: %w", err)
	}
	return ls, nil
}
