// Package geodesy converts between WGS84 geodetic coordinates, earth-centred
// earth-fixed (ECEF) Cartesian coordinates and local east-north-up frames.
package geodesy

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// WGS84 ellipsoid.
const (
	SemiMajor  = 6378137.0
	Flattening = 1.0 / 298.257223563
)

var eccSq = Flattening * (2 - Flattening)

// Geodetic is a position in degrees and metres above the ellipsoid.
type Geodetic struct {
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Height float64 `json:"ht"`
}

// ECEF is an earth-centred earth-fixed position in metres.
type ECEF struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Vec returns p as a slice.
func (p ECEF) Vec() []float64 { return []float64{p.X, p.Y, p.Z} }

// Sub returns p - q.
func (p ECEF) Sub(q ECEF) ECEF { return ECEF{p.X - q.X, p.Y - q.Y, p.Z - q.Z} }

// Add returns p + q.
func (p ECEF) Add(q ECEF) ECEF { return ECEF{p.X + q.X, p.Y + q.Y, p.Z + q.Z} }

// Scale returns p * k.
func (p ECEF) Scale(k float64) ECEF { return ECEF{p.X * k, p.Y * k, p.Z * k} }

// Norm returns the length of p.
func (p ECEF) Norm() float64 { return math.Sqrt(p.X*p.X + p.Y*p.Y + p.Z*p.Z) }

// Distance returns the straight line distance between p and q.
func (p ECEF) Distance(q ECEF) float64 { return p.Sub(q).Norm() }

// ToECEF converts a geodetic position to ECEF.
func ToECEF(g Geodetic) ECEF {
	lat := g.Lat * math.Pi / 180
	lon := g.Lon * math.Pi / 180
	sinp, cosp := math.Sincos(lat)
	sinl, cosl := math.Sincos(lon)
	v := SemiMajor / math.Sqrt(1-eccSq*sinp*sinp)
	return ECEF{
		X: (v + g.Height) * cosp * cosl,
		Y: (v + g.Height) * cosp * sinl,
		Z: (v*(1-eccSq) + g.Height) * sinp,
	}
}

// ToGeodetic converts an ECEF position to geodetic, iterating on the latitude
// until the height term settles below a micrometre.
func ToGeodetic(p ECEF) Geodetic {
	r2 := p.X*p.X + p.Y*p.Y
	v := SemiMajor
	z := p.Z
	for zk := math.Inf(1); math.Abs(z-zk) >= 1e-6; {
		zk = z
		sinp := z / math.Sqrt(r2+z*z)
		v = SemiMajor / math.Sqrt(1-eccSq*sinp*sinp)
		z = p.Z + v*eccSq*sinp
	}

	var g Geodetic
	switch {
	case r2 > 1e-12:
		g.Lat = math.Atan(z/math.Sqrt(r2)) * 180 / math.Pi
		g.Lon = math.Atan2(p.Y, p.X) * 180 / math.Pi
	case p.Z > 0:
		g.Lat = 90
	default:
		g.Lat = -90
	}
	g.Height = math.Sqrt(r2+z*z) - v
	return g
}

// Rotation returns the 3x3 matrix turning ECEF vectors into east-north-up vectors
// at the geodetic origin.
func Rotation(origin Geodetic) *mat.Dense {
	sinp, cosp := math.Sincos(origin.Lat * math.Pi / 180)
	sinl, cosl := math.Sincos(origin.Lon * math.Pi / 180)
	return mat.NewDense(3, 3, []float64{
		-sinl, cosl, 0,
		-sinp * cosl, -sinp * sinl, cosp,
		cosp * cosl, cosp * sinl, sinp,
	})
}

// ENU returns the east, north and up components of p relative to origin.
func ENU(origin Geodetic, p ECEF) (e, n, u float64) {
	d := mat.NewVecDense(3, p.Sub(ToECEF(origin)).Vec())
	var out mat.VecDense
	out.MulVec(Rotation(origin), d)
	return out.AtVec(0), out.AtVec(1), out.AtVec(2)
}

// FromENU returns the ECEF position at east, north and up metres from origin.
func FromENU(origin Geodetic, e, n, u float64) ECEF {
	var d mat.VecDense
	d.MulVec(Rotation(origin).T(), mat.NewVecDense(3, []float64{e, n, u}))
	return ToECEF(origin).Add(ECEF{d.AtVec(0), d.AtVec(1), d.AtVec(2)})
}

// CovarianceENU rotates a 3x3 ECEF covariance into the local frame at origin.
func CovarianceENU(origin Geodetic, cov mat.Matrix) *mat.Dense {
	r := Rotation(origin)
	var tmp, out mat.Dense
	tmp.Mul(r, cov)
	out.Mul(&tmp, r.T())
	return &out
}
