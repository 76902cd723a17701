package segmentation

import (
	"reflect"
	"testing"

	"segmentcore/internal/models"
)

func buildExample(t *testing.T) *Data {
	t.Helper()
	d, err := Build(exampleLabels(), 4, 4, DefaultHullOptions())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return d
}

func TestSegmentAt(t *testing.T) {
	d := buildExample(t)

	tests := []struct {
		x, y   int
		want   int32
		wantOK bool
	}{
		{1, 0, 1, true},
		{2, 1, 1, true},
		{0, 3, 2, true},
		{0, 0, 0, false},
		{3, 3, 0, false},
		{-1, 0, 0, false},
		{4, 0, 0, false},
	}
	for _, tt := range tests {
		got, ok := d.SegmentAt(tt.x, tt.y)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("SegmentAt(%d, %d) = %d, %v; expected %d, %v", tt.x, tt.y, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestOutlineAndCentroidLookup(t *testing.T) {
	d := buildExample(t)

	outline, ok := d.OutlineFor(1)
	if !ok || len(outline) != 4 {
		t.Errorf("Expected a 4-vertex outline for segment 1, got %v", outline)
	}
	if _, ok := d.OutlineFor(99); ok {
		t.Error("Unknown segment should have no outline")
	}

	c, ok := d.CentroidFor(2)
	if !ok || c != (models.PixelLocation{X: 1, Y: 3}) {
		t.Errorf("Expected centroid {1 3} for segment 2, got %v", c)
	}

	all := d.Outlines()
	if len(all) != 2 {
		t.Errorf("Expected 2 outlines, got %d", len(all))
	}
	subset := d.Outlines(2, 99)
	if len(subset) != 1 || !reflect.DeepEqual(subset[2], d.SegmentOutlineMap[2]) {
		t.Errorf("Expected only segment 2, got %v", subset)
	}
}

func TestSegmentsInSelection(t *testing.T) {
	d := buildExample(t)

	lowerLeft := []models.PixelLocation{{X: 0, Y: 2}, {X: 2, Y: 2}, {X: 2, Y: 4}, {X: 0, Y: 4}}
	if got := d.SegmentsInSelection(lowerLeft); !reflect.DeepEqual(got, []int32{2}) {
		t.Errorf("Expected [2], got %v", got)
	}

	everything := []models.PixelLocation{{X: -1, Y: -1}, {X: 5, Y: -1}, {X: 5, Y: 5}, {X: -1, Y: 5}}
	if got := d.SegmentsInSelection(everything); !reflect.DeepEqual(got, []int32{1, 2}) {
		t.Errorf("Expected [1 2], got %v", got)
	}

	if got := d.SegmentsInSelection(lowerLeft[:2]); got != nil {
		t.Errorf("Expected nil for a degenerate selection, got %v", got)
	}
}

func TestNearestSegment(t *testing.T) {
	d := buildExample(t)

	if id, ok := d.NearestSegment(3, 0); !ok || id != 1 {
		t.Errorf("Expected segment 1 near (3, 0), got %d, %v", id, ok)
	}
	if id, ok := d.NearestSegment(0, 4); !ok || id != 2 {
		t.Errorf("Expected segment 2 near (0, 4), got %d, %v", id, ok)
	}

	empty, err := Build(make([]int32, 4), 2, 2, DefaultHullOptions())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if _, ok := empty.NearestSegment(0, 0); ok {
		t.Error("Expected no nearest segment in an empty mask")
	}
}

func TestOutlineAreaAndBound(t *testing.T) {
	labels := make([]int32, 25)
	for y := 1; y < 4; y++ {
		for x := 1; x < 4; x++ {
			labels[y*5+x] = 7
		}
	}
	labels[0] = 3

	d, err := Build(labels, 5, 5, DefaultHullOptions())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if area := d.OutlineArea(7); area != 4 {
		t.Errorf("Expected area 4, got %f", area)
	}
	if area := d.OutlineArea(3); area != 0 {
		t.Errorf("Expected zero area for a single pixel, got %f", area)
	}

	b, ok := d.OutlineBound(7)
	if !ok {
		t.Fatal("Expected a bound for segment 7")
	}
	if b.Min[0] != 1 || b.Min[1] != 1 || b.Max[0] != 3 || b.Max[1] != 3 {
		t.Errorf("Expected bound [1,1]-[3,3], got %v", b)
	}
}
