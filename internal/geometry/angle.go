// Package geometry computes joint angles from landmark positions.
package geometry

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/e7canasta/orion-overlay/internal/types"
)

// ErrDegenerateGeometry is returned when a ray of the angle has zero length.
var ErrDegenerateGeometry = errors.New("geometry: degenerate input (coincident points)")

// epsilon below which a direction vector is considered zero-length.
const epsilon = 1e-12

// cosSnap is how close to ±1 a cosine must be to count as exactly ±1.
// acos has unbounded slope there: a few ULPs of rounding in the unit
// vectors would otherwise read as ~1e-6 degrees between parallel rays.
// Angles below ~8e-6 degrees snap to 0 (or 180).
const cosSnap = 1e-14

// AngleAt returns the angle in degrees at vertex b formed by the rays b→a
// and b→c, in the range [0, 180].
//
// The angle comes from the dot product of the two direction vectors, so
// AngleAt(a, b, c) == AngleAt(c, b, a). Z is ignored.
func AngleAt(a, b, c types.Point) (float64, error) {
	vertex := r2.Vec{X: b.X, Y: b.Y}
	ba := r2.Sub(r2.Vec{X: a.X, Y: a.Y}, vertex)
	bc := r2.Sub(r2.Vec{X: c.X, Y: c.Y}, vertex)

	na, nc := r2.Norm(ba), r2.Norm(bc)
	if na < epsilon || nc < epsilon {
		return 0, ErrDegenerateGeometry
	}

	cos := r2.Dot(r2.Unit(ba), r2.Unit(bc))
	switch {
	case cos >= 1-cosSnap:
		cos = 1
	case cos <= -1+cosSnap:
		cos = -1
	}

	return math.Acos(cos) * 180 / math.Pi, nil
}
