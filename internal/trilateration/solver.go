// Package trilateration locates a stationary seafloor target from slant ranges
// measured at known ship positions, rejecting outlying ranges iteratively.
package trilateration

import (
	"errors"
	"fmt"
	"math"

	geo "github.com/kellydunn/golang-geo"

	"github.com/relabs-tech/ranging_survey/internal/geodesy"
)

// minUsable is the number of ranges needed to fix three unknowns.
const minUsable = 3

// ErrInsufficientObservations is returned when fewer than three ranges are usable.
var ErrInsufficientObservations = errors.New("at least three usable range observations are required")

// Config holds the outlier rules. The defaults suit an EdgeTech deckbox working
// a transponder in deep water.
type Config struct {
	// MinRange rejects shorter ranges outright (metres).
	MinRange float64
	// OutlierSigma rejects ranges whose residual reaches this many standard errors.
	OutlierSigma float64
	// MaxDepthFactor and DepthMargin bound plausible ranges by the a priori depth:
	// depth-DepthMargin <= range <= depth*MaxDepthFactor.
	MaxDepthFactor float64
	DepthMargin    float64
	// AprioriOffset lowers the default a priori position below the mean ship
	// position, towards the centre of the earth (metres).
	AprioriOffset float64
	// ResidualFloor is the residual below which a range is never an outlier, so a
	// noiseless fit does not reject ranges on rounding error (metres).
	ResidualFloor float64
}

// DefaultConfig returns the standard outlier rules.
func DefaultConfig() Config {
	return Config{
		MinRange:       50,
		OutlierSigma:   3,
		MaxDepthFactor: 1.6,
		DepthMargin:    100,
		AprioriOffset:  1000,
		ResidualFloor:  1e-3,
	}
}

// Validate checks the rules are usable.
func (c Config) Validate() error {
	if c.MinRange < 0 {
		return fmt.Errorf("minimum range %g must not be negative", c.MinRange)
	}
	if c.OutlierSigma <= 0 {
		return fmt.Errorf("outlier sigma %g must be positive", c.OutlierSigma)
	}
	if c.MaxDepthFactor < 1 {
		return fmt.Errorf("max depth factor %g must be at least 1", c.MaxDepthFactor)
	}
	if c.DepthMargin < 0 || c.ResidualFloor < 0 {
		return fmt.Errorf("depth margin and residual floor must not be negative")
	}
	return nil
}

// Measurement is one slant range from a ship position.
type Measurement struct {
	Lat    float64 // degrees
	Lon    float64 // degrees
	Height float64 // metres
	Range  float64 // metres
}

// Result is the outcome of a solve. When OK is false only Apriori and the
// a priori outlier flags are meaningful.
type Result struct {
	OK       bool             `json:"ok"`
	Position geodesy.Geodetic `json:"position"`
	ECEF     geodesy.ECEF     `json:"ecef"`
	StdErr   float64          `json:"std_err"`

	// One-sigma position uncertainty in the local frame, metres.
	SigmaEast  float64 `json:"sigma_east"`
	SigmaNorth float64 `json:"sigma_north"`
	SigmaUp    float64 `json:"sigma_up"`

	Apriori     geodesy.Geodetic `json:"apriori"`
	AprioriECEF geodesy.ECEF     `json:"apriori_ecef"`

	// Horizontal displacement of the solution from the a priori position.
	DriftDistance float64 `json:"drift_dist"` // metres
	DriftBearing  float64 `json:"drift_brg"`  // degrees clockwise from north, [0,360)

	Residuals  []float64 `json:"residuals"`
	Outliers   []bool    `json:"outliers"`
	Used       int       `json:"used"`
	Iterations int       `json:"iterations"`
}

// Solver runs trilateration with a fixed Config. Solve keeps no state, so a Solver
// may be shared between goroutines.
type Solver struct {
	cfg Config
}

// NewSolver validates cfg and returns a Solver.
func NewSolver(cfg Config) (*Solver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Solver{cfg: cfg}, nil
}

// Config returns the solver rules.
func (s *Solver) Config() Config { return s.cfg }

// Solve locates the target. apriori may be nil, in which case the mean ship
// position lowered by AprioriOffset is used and no depth bounds apply.
func (s *Solver) Solve(obs []Measurement, apriori *geodesy.Geodetic) (Result, error) {
	n := len(obs)
	res := Result{
		Residuals: make([]float64, n),
		Outliers:  make([]bool, n),
	}

	points := make([]geodesy.ECEF, n)
	ranges := make([]float64, n)
	var centroid geodesy.ECEF
	for i, m := range obs {
		points[i] = geodesy.ToECEF(geodesy.Geodetic{Lat: m.Lat, Lon: m.Lon, Height: m.Height})
		ranges[i] = m.Range
		centroid = centroid.Add(points[i])
	}
	if n > 0 {
		centroid = centroid.Scale(1 / float64(n))
	}

	if apriori != nil {
		res.Apriori = *apriori
		res.AprioriECEF = geodesy.ToECEF(*apriori)
	} else if n > 0 {
		r := centroid.Norm()
		res.AprioriECEF = centroid.Scale((r - s.cfg.AprioriOffset) / r)
		res.Apriori = geodesy.ToGeodetic(res.AprioriECEF)
	}

	for i, m := range obs {
		res.Outliers[i] = s.implausible(m.Range, apriori)
	}
	if n < minUsable {
		return res, ErrInsufficientObservations
	}

	for i := range points {
		points[i] = points[i].Sub(centroid)
	}
	sol, err := s.solveCartesian(points, ranges, res.Outliers, res.AprioriECEF.Sub(centroid))
	res.Residuals = sol.residuals
	res.Iterations = sol.iterations
	res.Used = sol.used
	if err != nil {
		return res, err
	}

	res.OK = true
	res.ECEF = sol.position.Add(centroid)
	res.Position = geodesy.ToGeodetic(res.ECEF)
	res.StdErr = sol.stdErr
	if sol.cov != nil {
		enu := geodesy.CovarianceENU(res.Position, sol.cov)
		res.SigmaEast = math.Sqrt(math.Max(enu.At(0, 0), 0))
		res.SigmaNorth = math.Sqrt(math.Max(enu.At(1, 1), 0))
		res.SigmaUp = math.Sqrt(math.Max(enu.At(2, 2), 0))
	}
	res.DriftDistance, res.DriftBearing = drift(res.Apriori, res.Position)
	return res, nil
}

// implausible applies the a priori range rules.
func (s *Solver) implausible(r float64, apriori *geodesy.Geodetic) bool {
	if r < s.cfg.MinRange {
		return true
	}
	if apriori == nil || apriori.Height >= 0 {
		return false
	}
	depth := -apriori.Height
	return r > depth*s.cfg.MaxDepthFactor || r < depth-s.cfg.DepthMargin
}

// drift returns the great circle distance in metres and the initial bearing from
// a to b.
func drift(a, b geodesy.Geodetic) (float64, float64) {
	from := geo.NewPoint(a.Lat, a.Lon)
	to := geo.NewPoint(b.Lat, b.Lon)
	dist := from.GreatCircleDistance(to) * 1000
	if dist == 0 {
		return 0, 0
	}
	brg := math.Mod(from.BearingTo(to)+360, 360)
	return dist, brg
}
