/*
Copyright © 2025 ALESSIO TONIOLO

fingerprint.go defines the routing identity of a scan request. Two requests with
the same fingerprint are expected to cost the same to solve.
*/
package fingerprint

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
)

// ErrInvalidRequest is returned when a query cannot be turned into a Fingerprint
var ErrInvalidRequest = errors.New("invalid scan request")

// Strategy is the scan strategy requested by the client
type Strategy int

const (
	Grid Strategy = iota
	Progressive
	Greedy
)

var strategyNames = map[Strategy]string{
	Grid:        "GRID_SCAN",
	Progressive: "PROGRESSIVE_SCAN",
	Greedy:      "GREEDY_RANGE_SCAN",
}

// ParseStrategy maps the wire name of a strategy ("GRID_SCAN", ...) to a Strategy
func ParseStrategy(name string) (Strategy, bool) {
	for s, n := range strategyNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

func (s Strategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

type Point struct {
	X, Y int
}

// Rect is the requested view port. X/Y is the origin, W/H are x1-x0 and y1-y0.
type Rect struct {
	X, Y, W, H int
}

// Fingerprint is comparable and can be used directly as a map or cache key.
type Fingerprint struct {
	Strategy Strategy
	Image    string
	Start    Point
	View     Rect
}

// RequiredKeys are the query keys every scan request must carry
var RequiredKeys = []string{"w", "h", "x0", "x1", "y0", "y1", "xS", "yS", "s", "i"}

// Parse builds a Fingerprint from a raw query string such as
// "w=10&h=10&x0=0&x1=10&y0=0&y1=10&xS=5&yS=5&s=GRID_SCAN&i=map1".
// Unknown keys are ignored.
func Parse(rawQuery string) (Fingerprint, error) {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	for _, key := range RequiredKeys {
		if _, ok := values[key]; !ok {
			return Fingerprint{}, fmt.Errorf("%w: missing %q", ErrInvalidRequest, key)
		}
	}

	strategy, ok := ParseStrategy(values.Get("s"))
	if !ok {
		return Fingerprint{}, fmt.Errorf("%w: unknown strategy %q", ErrInvalidRequest, values.Get("s"))
	}

	coords := make(map[string]int, 6)
	for _, key := range []string{"x0", "x1", "y0", "y1", "xS", "yS"} {
		n, err := strconv.Atoi(values.Get(key))
		if err != nil {
			return Fingerprint{}, fmt.Errorf("%w: %s is not an integer", ErrInvalidRequest, key)
		}
		coords[key] = n
	}

	return Fingerprint{
		Strategy: strategy,
		Image:    values.Get("i"),
		Start:    Point{X: coords["xS"], Y: coords["yS"]},
		View: Rect{
			X: coords["x0"],
			Y: coords["y0"],
			W: coords["x1"] - coords["x0"],
			H: coords["y1"] - coords["y0"],
		},
	}, nil
}

// Query serializes the fingerprint back into exactly the required keys.
// w and h carry the view port size.
func (f Fingerprint) Query() string {
	v := url.Values{}
	v.Set("w", strconv.Itoa(f.View.W))
	v.Set("h", strconv.Itoa(f.View.H))
	v.Set("x0", strconv.Itoa(f.View.X))
	v.Set("x1", strconv.Itoa(f.View.X+f.View.W))
	v.Set("y0", strconv.Itoa(f.View.Y))
	v.Set("y1", strconv.Itoa(f.View.Y+f.View.H))
	v.Set("xS", strconv.Itoa(f.Start.X))
	v.Set("yS", strconv.Itoa(f.Start.Y))
	v.Set("s", f.Strategy.String())
	v.Set("i", f.Image)
	return v.Encode()
}

// Area of the view port
func (f Fingerprint) Area() float64 {
	return float64(f.View.W) * float64(f.View.H)
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%s %s start=(%d,%d) view=(%d,%d %dx%d)",
		f.Strategy, f.Image, f.Start.X, f.Start.Y, f.View.X, f.View.Y, f.View.W, f.View.H)
}

// Similarity weights, summing to 1
const (
	strategyWeight = 0.4
	imageWeight    = 0.2
	viewWeight     = 0.1
	areaWeight     = 0.2
	startWeight    = 0.1
)

// Similarity scores a and b in [0,1]. Area and starting point only contribute
// while their difference is below delta, scaled linearly down to 0 at delta.
func Similarity(a, b Fingerprint, delta float64) float64 {
	score := 0.0
	if a.Strategy == b.Strategy {
		score += strategyWeight
	}
	if a.Image == b.Image {
		score += imageWeight
	}
	if a.View == b.View {
		score += viewWeight
	}
	score += closeness(math.Abs(a.Area()-b.Area()), delta) * areaWeight
	dist := math.Hypot(float64(a.Start.X-b.Start.X), float64(a.Start.Y-b.Start.Y))
	score += closeness(dist, delta) * startWeight
	return score
}

func closeness(diff, delta float64) float64 {
	if diff >= delta {
		return 0
	}
	return (delta - diff) / delta
}
