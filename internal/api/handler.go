package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"segmentcore/internal/models"
	"segmentcore/pkg/imageset"
	"segmentcore/pkg/raster"
	"segmentcore/pkg/segmentation"
	"segmentcore/pkg/statistics"
	"segmentcore/pkg/store"
)

// Handler serves image-set queries
type Handler struct {
	manager *imageset.Manager
	log     zerolog.Logger
}

// NewHandler creates a handler for manager
func NewHandler(manager *imageset.Manager, log zerolog.Logger) *Handler {
	return &Handler{manager: manager, log: log}
}

type activateRequest struct {
	Dir string `json:"dir"`
}

type selectionRequest struct {
	Polygon []models.PixelLocation `json:"polygon" binding:"required,min=3"`
}

type maxResidentRequest struct {
	MaxResident int `json:"maxResident" binding:"required,min=1"`
}

// List reports every registered image set
func (h *Handler) List(c *gin.Context) {
	cache := h.manager.Cache()
	c.JSON(http.StatusOK, gin.H{
		"active":      cache.Active(),
		"maxResident": cache.MaxResident(),
		"history":     cache.History(),
		"resident":    cache.Resident(),
		"imageSets":   cache.List(),
	})
}

// Activate loads an image set and makes it the active one. The body may name
// the directory of a set that was not registered yet.
func (h *Handler) Activate(c *gin.Context) {
	var req activateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.fail(c, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	set, err := h.manager.Activate(c.Request.Context(), c.Param("id"), req.Dir)
	if err != nil && set == nil {
		h.fail(c, statusFor(err), "failed to activate image set", err)
		return
	}

	finished, expected := set.Statistics.Completed()
	resp := gin.H{
		"id":        set.ID,
		"markers":   set.Statistics.Markers(),
		"segments":  set.Segmentation.NumSegments(),
		"fromCache": set.FromCache,
		"jobs":      gin.H{"finished": finished, "expected": expected},
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// ForceClean evicts every image set and reloads the active one
func (h *Handler) ForceClean(c *gin.Context) {
	set, err := h.manager.ForceClean(c.Request.Context())
	if err != nil && set == nil {
		h.fail(c, statusFor(err), "failed to reload image set", err)
		return
	}
	reloaded := ""
	if set != nil {
		reloaded = set.ID
	}
	h.log.Info().Str("reloaded", reloaded).Msg("image sets cleaned")
	c.JSON(http.StatusOK, gin.H{"reloaded": reloaded})
}

// SetMaxResident changes how many image sets are held in memory
func (h *Handler) SetMaxResident(c *gin.Context) {
	var req maxResidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, "maxResident must be a positive integer", err)
		return
	}
	evicted := h.manager.Cache().SetMaxResident(req.MaxResident)
	h.log.Info().Int("maxResident", req.MaxResident).Strs("evicted", evicted).Msg("resident bound changed")
	c.JSON(http.StatusOK, gin.H{"maxResident": req.MaxResident, "evicted": evicted})
}

// Features lists the statistics stored for an image set
func (h *Handler) Features(c *gin.Context) {
	features, err := h.manager.Features(c.Param("id"))
	if err != nil {
		h.fail(c, statusFor(err), "failed to list features", err)
		return
	}
	if features == nil {
		features = []store.Feature{}
	}
	c.JSON(http.StatusOK, gin.H{"features": features})
}

// SegmentsInRange lists segments whose statistic lies within [min, max]
func (h *Handler) SegmentsInRange(c *gin.Context) {
	set, ok := h.resident(c)
	if !ok {
		return
	}
	statistic, ok := h.statistic(c)
	if !ok {
		return
	}
	marker := c.Query("marker")
	if marker == "" {
		h.fail(c, http.StatusBadRequest, "marker is required", nil)
		return
	}

	low, err := parseBound(c.Query("min"), math.Inf(-1))
	if err != nil {
		h.fail(c, http.StatusBadRequest, "invalid min", err)
		return
	}
	high, err := parseBound(c.Query("max"), math.Inf(1))
	if err != nil {
		h.fail(c, http.StatusBadRequest, "invalid max", err)
		return
	}

	ids, err := set.Statistics.SegmentsInIntensityRange(marker, low, high, statistic)
	if err != nil {
		h.fail(c, statusFor(err), "failed to query segments", err)
		return
	}
	if ids == nil {
		ids = []int32{}
	}
	c.JSON(http.StatusOK, gin.H{"marker": marker, "statistic": statistic, "segments": ids})
}

// Intensity aggregates a statistic over the listed segments
func (h *Handler) Intensity(c *gin.Context) {
	set, ok := h.resident(c)
	if !ok {
		return
	}
	statistic, ok := h.statistic(c)
	if !ok {
		return
	}
	marker := c.Query("marker")
	ids, err := parseSegmentIDs(c.Query("segments"))
	if err != nil || marker == "" || len(ids) == 0 {
		h.fail(c, http.StatusBadRequest, "marker and segments are required", err)
		return
	}

	value, err := set.Statistics.MeanOrMedianIntensity(marker, ids, statistic)
	if err != nil {
		h.fail(c, statusFor(err), "failed to compute intensity", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marker": marker, "statistic": statistic, "value": value})
}

// Outline returns the outline of one segment
func (h *Handler) Outline(c *gin.Context) {
	set, id, ok := h.segment(c)
	if !ok {
		return
	}
	outline, found := set.Segmentation.OutlineFor(id)
	if !found {
		h.fail(c, http.StatusNotFound, "segment not found", nil)
		return
	}
	resp := gin.H{"segment": id, "outline": outline, "area": set.Segmentation.OutlineArea(id)}
	if bound, ok := set.Segmentation.OutlineBound(id); ok {
		resp["bound"] = gin.H{"min": bound.Min, "max": bound.Max}
	}
	c.JSON(http.StatusOK, resp)
}

// Outlines returns the outlines of the listed segments, or of all of them
func (h *Handler) Outlines(c *gin.Context) {
	set, ok := h.resident(c)
	if !ok {
		return
	}
	ids, err := parseSegmentIDs(c.Query("segments"))
	if err != nil {
		h.fail(c, http.StatusBadRequest, "invalid segment ids", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outlines": set.Segmentation.Outlines(ids...)})
}

// Selection lists the segments whose centroid lies inside a polygon
func (h *Handler) Selection(c *gin.Context) {
	set, ok := h.resident(c)
	if !ok {
		return
	}
	var req selectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, "polygon needs at least 3 points", err)
		return
	}

	ids := set.Segmentation.SegmentsInSelection(req.Polygon)
	if ids == nil {
		ids = []int32{}
	}
	c.JSON(http.StatusOK, gin.H{"segments": ids})
}

// Nearest returns the segment whose centroid is closest to a point
func (h *Handler) Nearest(c *gin.Context) {
	set, ok := h.resident(c)
	if !ok {
		return
	}
	x, errX := strconv.ParseFloat(c.Query("x"), 64)
	y, errY := strconv.ParseFloat(c.Query("y"), 64)
	if err := errors.Join(errX, errY); err != nil {
		h.fail(c, http.StatusBadRequest, "x and y must be numbers", err)
		return
	}

	id, found := set.Segmentation.NearestSegment(x, y)
	if !found {
		h.fail(c, http.StatusNotFound, "image set has no segments", nil)
		return
	}
	centroid, _ := set.Segmentation.CentroidFor(id)
	c.JSON(http.StatusOK, gin.H{"segment": id, "centroid": centroid})
}

// Centroid returns the centroid of one segment
func (h *Handler) Centroid(c *gin.Context) {
	set, id, ok := h.segment(c)
	if !ok {
		return
	}
	centroid, found := set.Segmentation.CentroidFor(id)
	if !found {
		h.fail(c, http.StatusNotFound, "segment not found", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"segment": id, "centroid": centroid})
}

// Pixel returns the segment covering a pixel
func (h *Handler) Pixel(c *gin.Context) {
	set, ok := h.resident(c)
	if !ok {
		return
	}
	x, errX := strconv.Atoi(c.Query("x"))
	y, errY := strconv.Atoi(c.Query("y"))
	if err := errors.Join(errX, errY); err != nil {
		h.fail(c, http.StatusBadRequest, "x and y must be integers", err)
		return
	}

	id, found := set.Segmentation.SegmentAt(x, y)
	if !found {
		h.fail(c, http.StatusNotFound, "no segment at pixel", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"x": x, "y": y, "segment": id})
}

// MinMax returns the value range of a marker statistic
func (h *Handler) MinMax(c *gin.Context) {
	set, ok := h.resident(c)
	if !ok {
		return
	}
	statistic, ok := h.statistic(c)
	if !ok {
		return
	}
	marker := c.Param("marker")

	mm, err := set.Statistics.MinMax(marker, statistic)
	if err != nil {
		h.fail(c, statusFor(err), "failed to read range", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marker": marker, "statistic": statistic, "min": mm.Min, "max": mm.Max})
}

func (h *Handler) resident(c *gin.Context) (*imageset.Set, bool) {
	set, err := h.manager.Get(c.Param("id"))
	if err != nil {
		h.fail(c, statusFor(err), "image set unavailable", err)
		return nil, false
	}
	return set, true
}

func (h *Handler) segment(c *gin.Context) (*imageset.Set, int32, bool) {
	set, ok := h.resident(c)
	if !ok {
		return nil, 0, false
	}
	id, err := strconv.ParseInt(c.Param("segment"), 10, 32)
	if err != nil {
		h.fail(c, http.StatusBadRequest, "invalid segment id", err)
		return nil, 0, false
	}
	return set, int32(id), true
}

func (h *Handler) statistic(c *gin.Context) (models.Statistic, bool) {
	statistic, err := models.ParseStatistic(c.DefaultQuery("statistic", string(models.Mean)))
	if err != nil {
		h.fail(c, http.StatusBadRequest, "invalid statistic", err)
		return "", false
	}
	return statistic, true
}

func (h *Handler) fail(c *gin.Context, status int, message string, err error) {
	resp := ErrorResponse{Success: false, Message: message}
	if err != nil {
		resp.Error = err.Error()
		c.Error(err)
	}
	c.AbortWithStatusJSON(status, resp)
}

// statusFor maps core errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, imageset.ErrUnknownImageSet),
		errors.Is(err, statistics.ErrUnknownMarker):
		return http.StatusNotFound
	case errors.Is(err, imageset.ErrNotResident),
		errors.Is(err, imageset.ErrStaleResult),
		errors.Is(err, statistics.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, segmentation.ErrDimensionMismatch),
		errors.Is(err, segmentation.ErrInvalidRaster),
		errors.Is(err, imageset.ErrNoSegmentation),
		errors.Is(err, raster.ErrNoMarkers):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func parseBound(s string, fallback float64) (float64, error) {
	if s == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(s, 64)
}

func parseSegmentIDs(s string) ([]int32, error) {
	var ids []int32
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 32)
		if err != nil {
			return nil, err
		}
		ids = append(ids, int32(id))
	}
	return ids, nil
}
