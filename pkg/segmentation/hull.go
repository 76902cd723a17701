package segmentation

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"
	"gonum.org/v1/gonum/spatial/kdtree"

	"segmentcore/internal/models"
)

// DefaultConcavity is the outline concavity used when none is configured
const DefaultConcavity = 2.0

// HullOptions tunes outline construction
type HullOptions struct {
	// Concavity is the relative measure of how deep an outline may dig into a
	// segment. 1 follows the pixels tightly, +Inf yields the convex hull.
	Concavity float64

	// LengthThreshold leaves edges shorter than this many pixels undug
	LengthThreshold float64

	// SimplifyTolerance applies Douglas-Peucker simplification when > 0
	SimplifyTolerance float64
}

// DefaultHullOptions returns the outline options used by the viewer by default
func DefaultHullOptions() HullOptions {
	return HullOptions{Concavity: DefaultConcavity}
}

// hullPoint is a 2D point that satisfies kdtree.Comparable
type hullPoint struct {
	X, Y float64
}

// Compare implements the kdtree.Comparable interface
func (p hullPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(hullPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p hullPoint) Dims() int { return 2 }

// Distance returns the squared Euclidean distance between two points
func (p hullPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(hullPoint)
	return sqDist(p, q)
}

// hullPoints is a collection of hullPoint that satisfies kdtree.Interface
type hullPoints []hullPoint

func (p hullPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p hullPoints) Len() int                              { return len(p) }
func (p hullPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p hullPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(hullPlane{hullPoints: p, Dim: d}, kdtree.MedianOfMedians(hullPlane{hullPoints: p, Dim: d}))
}

// hullPlane implements sort.Interface and kdtree.SortSlicer for hullPoints
type hullPlane struct {
	hullPoints
	kdtree.Dim
}

func (p hullPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.hullPoints[i].X < p.hullPoints[j].X
	case 1:
		return p.hullPoints[i].Y < p.hullPoints[j].Y
	default:
		panic("illegal dimension")
	}
}

func (p hullPlane) Slice(start, end int) kdtree.SortSlicer {
	return hullPlane{hullPoints: p.hullPoints[start:end], Dim: p.Dim}
}

func (p hullPlane) Swap(i, j int) {
	p.hullPoints[i], p.hullPoints[j] = p.hullPoints[j], p.hullPoints[i]
}

// hullNode is one vertex of the circular outline being refined
type hullNode struct {
	p    hullPoint
	prev *hullNode
	next *hullNode
}

// ConcaveHull computes the outline polygon of a set of pixel locations.
//
// The outline starts from the convex hull and then repeatedly replaces an edge
// (a, b) by (a, p, b), where p is the closest unused pixel to the edge, as long
// as p is nearer to the edge than to its neighbouring edges, the new edges do
// not cross the current outline, and p lies within |ab|/Concavity of a or b.
//
// Parameters:
//   - locations: pixel coordinates of one segment (duplicates are ignored)
//   - opts: concavity, edge length threshold and optional simplification
//
// Returns:
//   - the outline vertices in ring order without repeating the first vertex.
//     Segments with fewer than three distinct pixels, or whose pixels are all
//     collinear, yield their extreme points instead of a polygon.
func ConcaveHull(locations []models.PixelLocation, opts HullOptions) []models.PixelLocation {
	points := uniquePoints(locations)
	if len(points) < 3 {
		return fallbackOutline(points)
	}

	convex := convexHull(points)
	if len(convex) < 3 {
		return fallbackOutline(points)
	}

	concavity := opts.Concavity
	if concavity <= 0 || math.IsNaN(concavity) {
		concavity = DefaultConcavity
	}

	var outline []hullPoint
	if math.IsInf(concavity, 1) {
		outline = convex
	} else {
		outline = digHull(points, convex, concavity, opts.LengthThreshold)
	}

	if opts.SimplifyTolerance > 0 {
		outline = simplifyOutline(outline, opts.SimplifyTolerance)
	}

	return toLocations(outline)
}

// digHull refines a convex hull into a concave one
func digHull(points, convex []hullPoint, concavity, lengthThreshold float64) []hullPoint {
	onHull := make(map[hullPoint]bool, len(convex))
	for _, p := range convex {
		onHull[p] = true
	}

	inner := make(hullPoints, 0, len(points)-len(convex))
	for _, p := range points {
		if !onHull[p] {
			inner = append(inner, p)
		}
	}
	if len(inner) == 0 {
		return convex
	}

	// Build the kdTree over pixels that may still join the outline
	tree := kdtree.New(inner, false)
	used := make(map[hullPoint]bool)

	// Link the convex hull into a ring and queue every edge
	queue := make([]*hullNode, 0, len(convex))
	var head, last *hullNode
	for _, p := range convex {
		node := &hullNode{p: p}
		if head == nil {
			head = node
		} else {
			last.next = node
			node.prev = last
		}
		last = node
		queue = append(queue, node)
	}
	last.next = head
	head.prev = last

	sqConcavity := concavity * concavity
	sqLenThreshold := lengthThreshold * lengthThreshold

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		a := node.p
		b := node.next.p

		sqLen := sqDist(a, b)
		if sqLen < sqLenThreshold {
			continue
		}
		maxSqLen := sqLen / sqConcavity

		p, ok := findCandidate(tree, used, head, node.prev.p, a, b, node.next.next.p, maxSqLen)
		if !ok || math.Min(sqDist(p, a), sqDist(p, b)) > maxSqLen {
			continue
		}

		inserted := &hullNode{p: p, prev: node, next: node.next}
		node.next.prev = inserted
		node.next = inserted
		used[p] = true

		// Both halves of the split edge may dig further
		queue = append(queue, node, inserted)
	}

	outline := make([]hullPoint, 0, len(convex)+len(used))
	n := head
	for {
		outline = append(outline, n.p)
		n = n.next
		if n == head {
			break
		}
	}
	return outline
}

type hullCandidate struct {
	p    hullPoint
	dist float64
}

// findCandidate returns the closest unused pixel to edge (a, b) that may be
// inserted between them. prev and next are the outer ends of the adjacent edges.
func findCandidate(tree *kdtree.Tree, used map[hullPoint]bool, head *hullNode, prev, a, b, next hullPoint, maxSqDist float64) (hullPoint, bool) {
	// Every point within sqrt(maxSqDist) of the edge lies inside this circle
	mid := hullPoint{X: (a.X + b.X) / 2, Y: (a.Y + b.Y) / 2}
	radius := math.Sqrt(sqDist(a, b))/2 + math.Sqrt(maxSqDist) + 1e-9

	keeper := kdtree.NewDistKeeper(radius * radius)
	tree.NearestSet(keeper, mid)

	candidates := make([]hullCandidate, 0, keeper.Len())
	for _, item := range keeper.Heap {
		// Skip the sentinel value
		if item.Comparable == nil {
			continue
		}
		p := item.Comparable.(hullPoint)
		if used[p] {
			continue
		}
		d := sqSegDist(p, a, b)
		if d > maxSqDist {
			continue
		}
		candidates = append(candidates, hullCandidate{p: p, dist: d})
	}

	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if ci.dist != cj.dist {
			return ci.dist < cj.dist
		}
		if ci.p.Y != cj.p.Y {
			return ci.p.Y < cj.p.Y
		}
		return ci.p.X < cj.p.X
	})

	for _, c := range candidates {
		// Skip points that are as close to the adjacent edges, and points that
		// would introduce self-intersections when connected
		d0 := sqSegDist(c.p, prev, a)
		d1 := sqSegDist(c.p, b, next)
		if c.dist < d0 && c.dist < d1 && noIntersections(a, c.p, head) && noIntersections(b, c.p, head) {
			return c.p, true
		}
	}
	return hullPoint{}, false
}

// noIntersections reports whether segment (a, b) crosses no outline edge
func noIntersections(a, b hullPoint, head *hullNode) bool {
	n := head
	for {
		if segmentsCross(n.p, n.next.p, a, b) {
			return false
		}
		n = n.next
		if n == head {
			return true
		}
	}
}

// segmentsCross reports a proper crossing; shared endpoints do not count
func segmentsCross(p1, q1, p2, q2 hullPoint) bool {
	if p1 == p2 || p1 == q2 || q1 == p2 || q1 == q2 {
		return false
	}
	o1 := orient(p1, q1, p2)
	o2 := orient(p1, q1, q2)
	o3 := orient(p2, q2, p1)
	o4 := orient(p2, q2, q1)
	return o1*o2 < 0 && o3*o4 < 0
}

// orient is the z component of (q-p) x (r-p)
func orient(p, q, r hullPoint) float64 {
	return (q.X-p.X)*(r.Y-p.Y) - (q.Y-p.Y)*(r.X-p.X)
}

// convexHull is Andrew's monotone chain over points sorted by X then Y.
// Collinear points are dropped.
func convexHull(points []hullPoint) []hullPoint {
	n := len(points)
	hull := make([]hullPoint, 0, 2*n)

	for _, p := range points {
		for len(hull) >= 2 && orient(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	lower := len(hull) + 1
	for i := n - 2; i >= 0; i-- {
		p := points[i]
		for len(hull) >= lower && orient(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	// The last point repeats the first
	return hull[:len(hull)-1]
}

// fallbackOutline returns the extreme points of a degenerate segment
func fallbackOutline(points []hullPoint) []models.PixelLocation {
	switch len(points) {
	case 0:
		return []models.PixelLocation{}
	case 1:
		return toLocations(points)
	}
	return toLocations([]hullPoint{points[0], points[len(points)-1]})
}

// simplifyOutline runs Douglas-Peucker on the closed outline, keeping the
// original when simplification would collapse it below a triangle
func simplifyOutline(outline []hullPoint, tolerance float64) []hullPoint {
	ring := make(orb.Ring, 0, len(outline)+1)
	for _, p := range outline {
		ring = append(ring, orb.Point{p.X, p.Y})
	}
	ring = append(ring, ring[0])

	simplified := simplify.DouglasPeucker(tolerance).Ring(ring.Clone())
	if len(simplified) < 4 {
		return outline
	}

	result := make([]hullPoint, 0, len(simplified)-1)
	for _, p := range simplified[:len(simplified)-1] {
		result = append(result, hullPoint{X: p[0], Y: p[1]})
	}
	return result
}

// uniquePoints converts locations into distinct points sorted by X then Y
func uniquePoints(locations []models.PixelLocation) []hullPoint {
	seen := make(map[models.PixelLocation]struct{}, len(locations))
	points := make([]hullPoint, 0, len(locations))
	for _, loc := range locations {
		if _, ok := seen[loc]; ok {
			continue
		}
		seen[loc] = struct{}{}
		points = append(points, hullPoint{X: float64(loc.X), Y: float64(loc.Y)})
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].X != points[j].X {
			return points[i].X < points[j].X
		}
		return points[i].Y < points[j].Y
	})
	return points
}

func toLocations(points []hullPoint) []models.PixelLocation {
	locs := make([]models.PixelLocation, len(points))
	for i, p := range points {
		locs[i] = models.PixelLocation{X: int(math.Round(p.X)), Y: int(math.Round(p.Y))}
	}
	return locs
}

func sqDist(p, q hullPoint) float64 {
	dx := p.X - q.X
	dy := p.Y - q.Y
	return dx*dx + dy*dy
}

// sqSegDist is the squared distance from p to segment (a, b)
func sqSegDist(p, a, b hullPoint) float64 {
	x, y := a.X, a.Y
	dx := b.X - x
	dy := b.Y - y

	if dx != 0 || dy != 0 {
		t := ((p.X-x)*dx + (p.Y-y)*dy) / (dx*dx + dy*dy)
		if t > 1 {
			x, y = b.X, b.Y
		} else if t > 0 {
			x += dx * t
			y += dy * t
		}
	}

	dx = p.X - x
	dy = p.Y - y
	return dx*dx + dy*dy
}
