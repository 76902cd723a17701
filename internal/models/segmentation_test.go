package models

import "testing"

func TestRasterValidate(t *testing.T) {
	tests := []struct {
		name    string
		raster  Raster
		wantErr bool
	}{
		{"valid", Raster{Width: 2, Height: 2, Data: make([]float64, 4)}, false},
		{"zero width", Raster{Width: 0, Height: 2, Data: nil}, true},
		{"short data", Raster{Width: 2, Height: 2, Data: make([]float64, 3)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.raster.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseStatistic(t *testing.T) {
	for _, in := range []string{"mean", "MEAN", " median ", "area"} {
		if _, err := ParseStatistic(in); err != nil {
			t.Errorf("ParseStatistic(%q) returned error: %v", in, err)
		}
	}
	if _, err := ParseStatistic("mode"); err == nil {
		t.Error("Expected error for unknown statistic")
	}
}

func TestPerMarker(t *testing.T) {
	for _, s := range AllStatistics {
		if !s.PerMarker() {
			t.Errorf("Expected %s to be a marker statistic", s)
		}
	}
	if Area.PerMarker() {
		t.Error("Expected area to be independent of markers")
	}
}
