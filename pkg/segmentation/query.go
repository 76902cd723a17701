package segmentation

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"gonum.org/v1/gonum/spatial/kdtree"

	"segmentcore/internal/models"
)

// SegmentAt returns the segment occupying pixel (x, y)
func (d *Data) SegmentAt(x, y int) (int32, bool) {
	if x < 0 || y < 0 || x >= d.Width || y >= d.Height {
		return 0, false
	}
	id, ok := d.PixelMap[PixelMapKey(x, y)]
	return id, ok
}

// OutlineFor returns the outline polygon of a segment
func (d *Data) OutlineFor(segmentID int32) ([]models.PixelLocation, bool) {
	outline, ok := d.SegmentOutlineMap[segmentID]
	return outline, ok
}

// CentroidFor returns the centroid of a segment
func (d *Data) CentroidFor(segmentID int32) (models.PixelLocation, bool) {
	c, ok := d.CentroidMap[segmentID]
	return c, ok
}

// Outlines returns the outlines of the given segments, or of every segment
// when none are given. Unknown ids are skipped.
func (d *Data) Outlines(segmentIDs ...int32) map[int32][]models.PixelLocation {
	if len(segmentIDs) == 0 {
		segmentIDs = d.ids
	}
	out := make(map[int32][]models.PixelLocation, len(segmentIDs))
	for _, id := range segmentIDs {
		if outline, ok := d.SegmentOutlineMap[id]; ok {
			out[id] = outline
		}
	}
	return out
}

// SegmentsInSelection returns the segments whose centroid lies inside the
// selection polygon, in ascending id order
func (d *Data) SegmentsInSelection(selection []models.PixelLocation) []int32 {
	if len(selection) < 3 {
		return nil
	}
	ring := toRing(selection)

	var selected []int32
	for _, id := range d.ids {
		c := d.CentroidMap[id]
		if planar.RingContains(ring, orb.Point{float64(c.X), float64(c.Y)}) {
			selected = append(selected, id)
		}
	}
	return selected
}

// OutlineArea returns the planar area enclosed by a segment's outline.
// Degenerate outlines have zero area.
func (d *Data) OutlineArea(segmentID int32) float64 {
	outline, ok := d.SegmentOutlineMap[segmentID]
	if !ok || len(outline) < 3 {
		return 0
	}
	return math.Abs(planar.Area(toRing(outline)))
}

// OutlineBound returns the bounding box of a segment's pixels
func (d *Data) OutlineBound(segmentID int32) (orb.Bound, bool) {
	locations, ok := d.SegmentLocationMap[segmentID]
	if !ok || len(locations) == 0 {
		return orb.Bound{}, false
	}
	mp := make(orb.MultiPoint, len(locations))
	for i, loc := range locations {
		mp[i] = orb.Point{float64(loc.X), float64(loc.Y)}
	}
	return mp.Bound(), true
}

// centroidPoint is a centroid indexed by a kd-tree
type centroidPoint struct {
	hullPoint
	id int32
}

// Compare implements the kdtree.Comparable interface
func (c centroidPoint) Compare(o kdtree.Comparable, d kdtree.Dim) float64 {
	return c.hullPoint.Compare(o.(centroidPoint).hullPoint, d)
}

// Distance returns the squared Euclidean distance between two centroids
func (c centroidPoint) Distance(o kdtree.Comparable) float64 {
	return sqDist(c.hullPoint, o.(centroidPoint).hullPoint)
}

type centroidPoints []centroidPoint

func (p centroidPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p centroidPoints) Len() int                              { return len(p) }
func (p centroidPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p centroidPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(centroidPlane{centroidPoints: p, Dim: d}, kdtree.MedianOfMedians(centroidPlane{centroidPoints: p, Dim: d}))
}

type centroidPlane struct {
	centroidPoints
	kdtree.Dim
}

func (p centroidPlane) Less(i, j int) bool {
	if p.Dim == 0 {
		return p.centroidPoints[i].X < p.centroidPoints[j].X
	}
	return p.centroidPoints[i].Y < p.centroidPoints[j].Y
}

func (p centroidPlane) Slice(start, end int) kdtree.SortSlicer {
	return centroidPlane{centroidPoints: p.centroidPoints[start:end], Dim: p.Dim}
}

func (p centroidPlane) Swap(i, j int) {
	p.centroidPoints[i], p.centroidPoints[j] = p.centroidPoints[j], p.centroidPoints[i]
}

// NearestSegment returns the segment whose centroid is closest to (x, y)
func (d *Data) NearestSegment(x, y float64) (int32, bool) {
	d.centroidOnce.Do(func() {
		if len(d.ids) == 0 {
			return
		}
		points := make(centroidPoints, 0, len(d.ids))
		for _, id := range d.ids {
			c := d.CentroidMap[id]
			points = append(points, centroidPoint{hullPoint: hullPoint{X: float64(c.X), Y: float64(c.Y)}, id: id})
		}
		d.centroidTree = kdtree.New(points, false)
	})
	if d.centroidTree == nil {
		return 0, false
	}

	nearest, _ := d.centroidTree.Nearest(centroidPoint{hullPoint: hullPoint{X: x, Y: y}})
	if nearest == nil {
		return 0, false
	}
	return nearest.(centroidPoint).id, true
}

// toRing converts an open outline into a closed orb ring
func toRing(locations []models.PixelLocation) orb.Ring {
	ring := make(orb.Ring, 0, len(locations)+1)
	for _, loc := range locations {
		ring = append(ring, orb.Point{float64(loc.X), float64(loc.Y)})
	}
	if !ring.Closed() {
		ring = append(ring, ring[0])
	}
	return ring
}
