package raster

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"segmentcore/internal/models"
)

// writeRaster saves a raster into dir and returns its path
func writeRaster(t *testing.T, dir, name string, r models.Raster) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := Save(path, r); err != nil {
		t.Fatalf("Failed to save %s: %v", name, err)
	}
	return path
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := models.Raster{Width: 3, Height: 2, Data: []float64{0, 1, 2, 300, 40000, 65535}}

	for _, name := range []string{"mask.png", "mask.tif"} {
		t.Run(name, func(t *testing.T) {
			path := writeRaster(t, dir, name, r)
			got, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if !reflect.DeepEqual(got, r) {
				t.Errorf("Expected %v, got %v", r, got)
			}
		})
	}
}

func TestFromImage(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 2, 1))
	gray.SetGray(0, 0, color.Gray{Y: 7})
	gray.SetGray(1, 0, color.Gray{Y: 200})
	if got := FromImage(gray); !reflect.DeepEqual(got.Data, []float64{7, 200}) {
		t.Errorf("Expected 8-bit values to be kept, got %v", got.Data)
	}

	// Offset bounds are normalized to a zero origin
	sub := image.NewGray16(image.Rect(5, 5, 7, 6))
	sub.SetGray16(6, 5, color.Gray16{Y: 1234})
	got := FromImage(sub)
	if got.Width != 2 || got.Height != 1 || got.Data[1] != 1234 {
		t.Errorf("Unexpected raster for offset image: %+v", got)
	}

	rgba := image.NewRGBA(image.Rect(0, 0, 1, 1))
	rgba.Set(0, 0, color.White)
	if got := FromImage(rgba); got.Data[0] != 0xffff {
		t.Errorf("Expected white to map to 65535, got %v", got.Data[0])
	}
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	r := models.Raster{Width: 2, Height: 2, Data: []float64{1, 2, 3, 4}}
	writeRaster(t, dir, "CD3.tif", r)
	writeRaster(t, dir, "CD8.png", r)
	writeRaster(t, dir, "segmentation.tif", r)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644)
	os.Mkdir(filepath.Join(dir, "nested.tif"), 0755)

	files, err := Scan(dir, "segmentation.tif")
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if got := files.MarkerNames(); !reflect.DeepEqual(got, []string{"CD3", "CD8"}) {
		t.Errorf("Expected markers [CD3 CD8], got %v", got)
	}
	if files.Segmentation != filepath.Join(dir, "segmentation.tif") {
		t.Errorf("Unexpected segmentation path %q", files.Segmentation)
	}

	empty := t.TempDir()
	if _, err := Scan(empty, ""); !errors.Is(err, ErrNoMarkers) {
		t.Errorf("Expected ErrNoMarkers, got %v", err)
	}
}

func TestDecodeAll(t *testing.T) {
	pool := NewDecodePool(2, zerolog.Nop())
	defer pool.Shutdown(context.Background())

	dir := t.TempDir()
	a := models.Raster{Width: 2, Height: 2, Data: []float64{1, 2, 3, 4}}
	b := models.Raster{Width: 2, Height: 2, Data: []float64{5, 6, 7, 8}}
	writeRaster(t, dir, "A.png", a)
	writeRaster(t, dir, "B.png", b)

	files, err := Scan(dir, "")
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	rasters, err := DecodeAll(context.Background(), pool, files)
	if err != nil {
		t.Fatalf("DecodeAll failed: %v", err)
	}
	if !reflect.DeepEqual(rasters["A"], a) || !reflect.DeepEqual(rasters["B"], b) {
		t.Errorf("Unexpected rasters %v", rasters)
	}

	writeRaster(t, dir, "C.png", models.Raster{Width: 3, Height: 1, Data: []float64{1, 2, 3}})
	files, _ = Scan(dir, "")
	if _, err := DecodeAll(context.Background(), pool, files); err == nil {
		t.Error("Expected an error for markers of different sizes")
	}

	files.Markers["missing"] = filepath.Join(dir, "missing.png")
	if _, err := DecodeAll(context.Background(), pool, files); err == nil {
		t.Error("Expected an error for a missing marker file")
	}
}
