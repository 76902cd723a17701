package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"segmentcore/internal/models"
	"segmentcore/pkg/imageset"
	"segmentcore/pkg/raster"
	"segmentcore/pkg/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestRouter activates one image set with segments 1 and 2 and a CD3
// marker, then returns a router over it
func newTestRouter(t *testing.T) (*gin.Engine, *imageset.Manager) {
	t.Helper()
	dir := t.TempDir()
	marker := models.Raster{Width: 3, Height: 3, Data: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90}}
	mask := models.Raster{Width: 3, Height: 3, Data: []float64{1, 1, 2, 1, 2, 2, 0, 0, 2}}
	if err := raster.Save(filepath.Join(dir, "CD3.tif"), marker); err != nil {
		t.Fatalf("Failed to write marker: %v", err)
	}
	if err := raster.Save(filepath.Join(dir, imageset.DefaultSegmentationName), mask); err != nil {
		t.Fatalf("Failed to write mask: %v", err)
	}

	st, err := store.Open(store.Options{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	opts := imageset.DefaultOptions()
	opts.Workers = 2
	m := imageset.NewManager(opts, st, zerolog.Nop())
	t.Cleanup(func() {
		m.Shutdown(context.Background())
		st.Close()
	})

	set, err := m.Activate(context.Background(), "sample", dir)
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := set.Statistics.Wait(ctx); err != nil {
		t.Fatalf("Statistics did not finish: %v", err)
	}

	m.Register("later", dir)
	return NewRouter(m, zerolog.Nop()), m
}

func get(t *testing.T, r http.Handler, path string, out any) int {
	t.Helper()
	return send(t, r, http.MethodGet, path, "", out)
}

func send(t *testing.T, r http.Handler, method, path, body string, out any) int {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	r.ServeHTTP(w, req)
	if out != nil {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("Failed to decode %s response %q: %v", path, w.Body.String(), err)
		}
	}
	return w.Code
}

func TestHealthAndMetrics(t *testing.T) {
	r, _ := newTestRouter(t)

	var health map[string]string
	if code := get(t, r, "/health", &health); code != http.StatusOK || health["status"] != "ok" {
		t.Errorf("Unexpected health response %d %v", code, health)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "segmentcore_worker_jobs_submitted_total") {
		t.Errorf("Expected worker metrics to be exported, got %d", w.Code)
	}
}

func TestListImageSets(t *testing.T) {
	r, _ := newTestRouter(t)

	var resp struct {
		Active    string   `json:"active"`
		History   []string `json:"history"`
		Resident  []string `json:"resident"`
		ImageSets []struct {
			ID    string `json:"id"`
			State string `json:"state"`
		} `json:"imageSets"`
	}
	if code := get(t, r, "/imagesets", &resp); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if resp.Active != "sample" || len(resp.ImageSets) != 2 {
		t.Fatalf("Unexpected listing %+v", resp)
	}
	if resp.ImageSets[0].ID != "later" || resp.ImageSets[0].State != "unloaded" {
		t.Errorf("Expected later to be unloaded, got %+v", resp.ImageSets[0])
	}
	if resp.ImageSets[1].State != "resident" {
		t.Errorf("Expected sample to be resident, got %+v", resp.ImageSets[1])
	}
	if len(resp.History) != 1 || len(resp.Resident) != 1 || resp.Resident[0] != "sample" {
		t.Errorf("Expected only sample to be held, got history %v resident %v", resp.History, resp.Resident)
	}
}

func TestSegmentsInRange(t *testing.T) {
	r, _ := newTestRouter(t)

	tests := []struct {
		name string
		path string
		code int
		want []int32
	}{
		{"all", "/imagesets/sample/segments?marker=CD3", http.StatusOK, []int32{1, 2}},
		{"inclusive bounds", "/imagesets/sample/segments?marker=CD3&min=57.5&max=57.5", http.StatusOK, []int32{2}},
		{"median", "/imagesets/sample/segments?marker=CD3&max=20&statistic=median", http.StatusOK, []int32{1}},
		{"empty", "/imagesets/sample/segments?marker=CD3&min=1000", http.StatusOK, []int32{}},
		{"missing marker", "/imagesets/sample/segments", http.StatusBadRequest, nil},
		{"unknown marker", "/imagesets/sample/segments?marker=CD8", http.StatusNotFound, nil},
		{"bad statistic", "/imagesets/sample/segments?marker=CD3&statistic=mode", http.StatusBadRequest, nil},
		{"bad bound", "/imagesets/sample/segments?marker=CD3&min=low", http.StatusBadRequest, nil},
		{"by area", "/imagesets/sample/segments?marker=" + models.AreaFeature + "&statistic=area&min=4", http.StatusOK, []int32{2}},
		{"unknown set", "/imagesets/nope/segments?marker=CD3", http.StatusNotFound, nil},
		{"not resident", "/imagesets/later/segments?marker=CD3", http.StatusConflict, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp struct {
				Segments []int32 `json:"segments"`
			}
			code := get(t, r, tt.path, &resp)
			if code != tt.code {
				t.Fatalf("Expected status %d, got %d", tt.code, code)
			}
			if tt.want == nil {
				return
			}
			if len(resp.Segments) != len(tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, resp.Segments)
			}
			for i := range tt.want {
				if resp.Segments[i] != tt.want[i] {
					t.Errorf("Expected %v, got %v", tt.want, resp.Segments)
				}
			}
		})
	}
}

func TestIntensityAndMinMax(t *testing.T) {
	r, _ := newTestRouter(t)

	var intensity struct {
		Value float64 `json:"value"`
	}
	if code := get(t, r, "/imagesets/sample/intensity?marker=CD3&segments=1,2&statistic=median", &intensity); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	// Median of the medians 20 and 55
	if intensity.Value != 37.5 {
		t.Errorf("Expected 37.5, got %v", intensity.Value)
	}
	if code := get(t, r, "/imagesets/sample/intensity?marker=CD3&segments=x", nil); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad segment ids, got %d", code)
	}

	// Segment areas add up: 3 and 4 pixels
	path := "/imagesets/sample/intensity?marker=" + models.AreaFeature + "&segments=1,2&statistic=area"
	if code := get(t, r, path, &intensity); code != http.StatusOK || intensity.Value != 7 {
		t.Errorf("Expected a total area of 7, got %d %v", code, intensity.Value)
	}

	var mm struct {
		Min float64 `json:"min"`
		Max float64 `json:"max"`
	}
	if code := get(t, r, "/imagesets/sample/markers/CD3/minmax", &mm); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if mm.Min != 70.0/3 || mm.Max != 57.5 {
		t.Errorf("Unexpected range %+v", mm)
	}
}

func TestSegmentGeometry(t *testing.T) {
	r, _ := newTestRouter(t)

	var centroid struct {
		Centroid models.PixelLocation `json:"centroid"`
	}
	if code := get(t, r, "/imagesets/sample/segments/2/centroid", &centroid); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	// Pixels (2,0), (1,1), (2,1), (2,2): means 1.75 and 1
	if centroid.Centroid != (models.PixelLocation{X: 2, Y: 1}) {
		t.Errorf("Unexpected centroid %+v", centroid.Centroid)
	}

	var outline struct {
		Outline []models.PixelLocation `json:"outline"`
		Bound   struct {
			Min [2]float64 `json:"min"`
			Max [2]float64 `json:"max"`
		} `json:"bound"`
	}
	if code := get(t, r, "/imagesets/sample/segments/2/outline", &outline); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(outline.Outline) == 0 {
		t.Error("Expected a non-empty outline")
	}
	if outline.Bound.Min != [2]float64{1, 0} || outline.Bound.Max != [2]float64{2, 2} {
		t.Errorf("Unexpected bound %+v", outline.Bound)
	}

	var outlines struct {
		Outlines map[string][]models.PixelLocation `json:"outlines"`
	}
	if code := get(t, r, "/imagesets/sample/outlines", &outlines); code != http.StatusOK || len(outlines.Outlines) != 2 {
		t.Errorf("Expected both outlines, got %d %v", code, outlines.Outlines)
	}
	outlines.Outlines = nil
	if code := get(t, r, "/imagesets/sample/outlines?segments=1,9", &outlines); code != http.StatusOK || len(outlines.Outlines["1"]) == 0 || len(outlines.Outlines) != 1 {
		t.Errorf("Expected only the outline of segment 1, got %d %v", code, outlines.Outlines)
	}

	if code := get(t, r, "/imagesets/sample/segments/9/outline", nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown segment, got %d", code)
	}
	if code := get(t, r, "/imagesets/sample/segments/abc/centroid", nil); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a bad segment id, got %d", code)
	}

	var pixel struct {
		Segment int32 `json:"segment"`
	}
	if code := get(t, r, "/imagesets/sample/pixel?x=2&y=2", &pixel); code != http.StatusOK || pixel.Segment != 2 {
		t.Errorf("Expected segment 2 at (2,2), got %d %+v", code, pixel)
	}
	if code := get(t, r, "/imagesets/sample/pixel?x=0&y=2", nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 for a background pixel, got %d", code)
	}
}

func TestActivateAndClean(t *testing.T) {
	r, m := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/imagesets/later/activate", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if m.Cache().Active() != "later" {
		t.Errorf("Expected later to be active, got %s", m.Cache().Active())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/imagesets/clean", nil))
	var clean struct {
		Reloaded string `json:"reloaded"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &clean); err != nil || w.Code != http.StatusOK {
		t.Fatalf("Unexpected clean response %d %s", w.Code, w.Body.String())
	}
	if clean.Reloaded != "later" {
		t.Errorf("Expected later to be reloaded, got %q", clean.Reloaded)
	}
	if state, _ := m.Cache().State("sample"); state != imageset.Evicted {
		t.Errorf("Expected sample to be evicted, got %s", state)
	}

	w = httptest.NewRecorder()
	body := strings.NewReader(`{"dir": "` + filepath.Join(t.TempDir(), "missing") + `"}`)
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/imagesets/broken/activate", body))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500 for a missing directory, got %d", w.Code)
	}
}

func TestSelectionAndNearest(t *testing.T) {
	r, _ := newTestRouter(t)

	var selection struct {
		Segments []int32 `json:"segments"`
	}
	// Covers the centroid (2,1) of segment 2 but not (0,0) of segment 1
	body := `{"polygon": [{"x":1,"y":0},{"x":3,"y":0},{"x":3,"y":3},{"x":1,"y":3}]}`
	if code := send(t, r, http.MethodPost, "/imagesets/sample/selection", body, &selection); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(selection.Segments) != 1 || selection.Segments[0] != 2 {
		t.Errorf("Expected [2], got %v", selection.Segments)
	}
	if code := send(t, r, http.MethodPost, "/imagesets/sample/selection", `{"polygon": [{"x":0,"y":0},{"x":1,"y":1}]}`, nil); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a two point polygon, got %d", code)
	}

	tests := []struct {
		path string
		code int
		want int32
	}{
		{"/imagesets/sample/nearest?x=0.2&y=0.4", http.StatusOK, 1},
		{"/imagesets/sample/nearest?x=2&y=2", http.StatusOK, 2},
		{"/imagesets/sample/nearest?x=a&y=2", http.StatusBadRequest, 0},
		{"/imagesets/later/nearest?x=0&y=0", http.StatusConflict, 0},
	}
	for _, tt := range tests {
		var nearest struct {
			Segment int32 `json:"segment"`
		}
		code := get(t, r, tt.path, &nearest)
		if code != tt.code {
			t.Errorf("%s: expected status %d, got %d", tt.path, tt.code, code)
			continue
		}
		if tt.code == http.StatusOK && nearest.Segment != tt.want {
			t.Errorf("%s: expected segment %d, got %d", tt.path, tt.want, nearest.Segment)
		}
	}
}

func TestFeatures(t *testing.T) {
	r, _ := newTestRouter(t)

	var resp struct {
		Features []store.Feature `json:"features"`
	}
	if code := get(t, r, "/imagesets/sample/features", &resp); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	want := []store.Feature{
		{Marker: "CD3", Statistic: models.Mean},
		{Marker: "CD3", Statistic: models.Median},
		{Marker: models.AreaFeature, Statistic: models.Area},
	}
	if len(resp.Features) != len(want) {
		t.Fatalf("Expected %v, got %v", want, resp.Features)
	}
	for i := range want {
		if resp.Features[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, resp.Features)
		}
	}

	if code := get(t, r, "/imagesets/nope/features", nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown set, got %d", code)
	}
}

func TestSetMaxResident(t *testing.T) {
	r, m := newTestRouter(t)

	if code := send(t, r, http.MethodPost, "/imagesets/later/activate", "", nil); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}

	var resp struct {
		MaxResident int      `json:"maxResident"`
		Evicted     []string `json:"evicted"`
	}
	if code := send(t, r, http.MethodPut, "/imagesets/max-resident", `{"maxResident": 1}`, &resp); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if resp.MaxResident != 1 || len(resp.Evicted) != 1 || resp.Evicted[0] != "sample" {
		t.Errorf("Expected sample to be evicted, got %+v", resp)
	}
	if m.Cache().MaxResident() != 1 {
		t.Errorf("Expected the bound to be 1, got %d", m.Cache().MaxResident())
	}
	if state, _ := m.Cache().State("later"); state != imageset.Resident {
		t.Errorf("Expected the active set to stay resident, got %s", state)
	}

	for _, body := range []string{`{"maxResident": 0}`, `{"maxResident": -2}`, `not json`} {
		if code := send(t, r, http.MethodPut, "/imagesets/max-resident", body, nil); code != http.StatusBadRequest {
			t.Errorf("Expected 400 for %s, got %d", body, code)
		}
	}
}
