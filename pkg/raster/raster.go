// Package raster turns single-channel image files into flat numeric rasters.
//
// Marker images and segmentation masks are expected to be grayscale; 16-bit
// images keep their full range. Color images are reduced to luminance.
package raster

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"segmentcore/internal/models"
	"segmentcore/pkg/workerpool"
)

// ErrNoMarkers is returned when an image-set directory holds no marker images
var ErrNoMarkers = errors.New("no marker images found")

// supportedExtensions lists the file types treated as images
var supportedExtensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".bmp":  true,
	".gif":  true,
}

// Load decodes one image file into a Raster
func Load(path string) (models.Raster, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return models.Raster{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return FromImage(img), nil
}

// FromImage converts an image into a Raster of gray levels
func FromImage(img image.Image) models.Raster {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	data := make([]float64, width*height)

	switch src := img.(type) {
	case *image.Gray16:
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				data[y*width+x] = float64(src.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y)
			}
		}
	case *image.Gray:
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				data[y*width+x] = float64(src.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y)
			}
		}
	default:
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				g := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
				data[y*width+x] = float64(g.Y)
			}
		}
	}

	return models.Raster{Width: width, Height: height, Data: data}
}

// ToGray16 converts a raster into a 16-bit grayscale image, clamping values
// to [0, 65535]
func ToGray16(r models.Raster) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, r.Width, r.Height))
	for i, v := range r.Data {
		switch {
		case v < 0:
			v = 0
		case v > 0xffff:
			v = 0xffff
		}
		img.SetGray16(i%r.Width, i/r.Width, color.Gray16{Y: uint16(v)})
	}
	return img
}

// Save writes a raster as a 16-bit grayscale image; the format follows the
// file extension
func Save(path string, r models.Raster) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := imaging.Save(ToGray16(r), path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}

// ImageSetFiles lists the files of one image-set directory
type ImageSetFiles struct {
	// Dir is the image-set directory
	Dir string

	// Markers maps a marker name (file name without extension) to its path
	Markers map[string]string

	// Segmentation is the mask path, empty when the directory has none
	Segmentation string
}

// MarkerNames returns the marker names in ascending order
func (f ImageSetFiles) MarkerNames() []string {
	names := make([]string, 0, len(f.Markers))
	for name := range f.Markers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Scan lists the marker images of dir. segmentationName names the mask file
// inside dir; it is excluded from the markers.
func Scan(dir, segmentationName string) (ImageSetFiles, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ImageSetFiles{}, fmt.Errorf("failed to read image set %s: %w", dir, err)
	}

	files := ImageSetFiles{Dir: dir, Markers: make(map[string]string)}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if !supportedExtensions[ext] {
			continue
		}

		path := filepath.Join(dir, name)
		if segmentationName != "" && name == segmentationName {
			files.Segmentation = path
			continue
		}
		files.Markers[strings.TrimSuffix(name, filepath.Ext(name))] = path
	}

	if len(files.Markers) == 0 {
		return files, fmt.Errorf("%w in %s", ErrNoMarkers, dir)
	}
	return files, nil
}

// DecodePool is the worker pool type that decodes marker files
type DecodePool = workerpool.Pool[string, models.Raster]

// NewDecodePool creates a pool decoding up to workers files at once
func NewDecodePool(workers int, log zerolog.Logger) *DecodePool {
	fn := func(ctx context.Context, path string) (models.Raster, error) {
		if err := ctx.Err(); err != nil {
			return models.Raster{}, err
		}
		return Load(path)
	}
	return workerpool.New[string, models.Raster]("decode", workers, fn, workerpool.WithLogger(log))
}

// DecodeAll decodes every marker of files on pool and waits for all of them.
// All markers must share the same dimensions.
func DecodeAll(ctx context.Context, pool *DecodePool, files ImageSetFiles) (map[string]models.Raster, error) {
	names := files.MarkerNames()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		rasters = make(map[string]models.Raster, len(names))
		errs    []error
	)

	for _, name := range names {
		name := name
		wg.Add(1)
		_, err := pool.Submit(files.Markers[name], func(r workerpool.Result[models.Raster]) {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			if r.Err != nil {
				errs = append(errs, fmt.Errorf("marker %s: %w", name, r.Err))
				return
			}
			rasters[name] = r.Output
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, fmt.Errorf("marker %s: %w", name, err))
			mu.Unlock()
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	var width, height int
	for _, name := range names {
		r := rasters[name]
		if width == 0 {
			width, height = r.Width, r.Height
			continue
		}
		if r.Width != width || r.Height != height {
			return nil, fmt.Errorf("marker %s is %dx%d, expected %dx%d", name, r.Width, r.Height, width, height)
		}
	}
	return rasters, nil
}
