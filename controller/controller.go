// Package controller - Routes frames through detection, cropping, embedding and identity matching.
package controller

import (
	"context"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/perch/identity"
	"github.com/nvr-ai/perch/images"
	"github.com/nvr-ai/perch/metrics"
	"github.com/nvr-ai/perch/models"
	"github.com/nvr-ai/perch/models/model"
	"github.com/nvr-ai/perch/models/postprocess"
)

// Frame is a single frame of video or a single image.
type Frame struct {
	ID int
	// Tag identifies the observation, e.g. "<path>_frame<ID>" or an image path.
	Tag       string
	Image     image.Image
	Timestamp time.Time
}

// Detector runs the detection model on a raw frame. *inference.Runner satisfies it.
type Detector interface {
	Run(ctx context.Context, img image.Image, tag string) ([]postprocess.Result, error)
}

// Embedder runs the embedding model on a raw crop. *inference.Runner satisfies it.
type Embedder interface {
	Run(ctx context.Context, img image.Image, tag string) ([]float32, error)
}

// Sink receives every detection and identity assignment, e.g. an observation log.
type Sink interface {
	RecordDetections(ctx context.Context, tag string, detections []postprocess.Result) error
	RecordAssignment(ctx context.Context, tag string, result identity.MatchResult) error
}

// Observation is one detection and, when it was embedded, its identity.
type Observation struct {
	Detection postprocess.Result
	Label     string
	// Tag is the source tag used for identity matching.
	Tag        string
	Assignment *identity.MatchResult
}

// FrameResult holds every observation of one frame.
type FrameResult struct {
	Frame        Frame
	Observations []Observation
}

// Summary is the running total of a controller.
type Summary struct {
	Frames      int
	FrameErrors int
	Detections  int
	Crops       int
	Identities  int
}

// Options configures a Controller. Classes and at least one of Detector or
// Embedder are required.
type Options struct {
	// Detector is nil for controllers that only identify pre-cropped images.
	Detector Detector
	// Embedder and Store enable the identity path; both or neither must be set.
	Embedder Embedder
	Store    *identity.Store
	Classes  *models.ClassTable
	// ClassFilter lists the class ids that are cropped and identified. Empty means all.
	ClassFilter []int
	Sink        Sink
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Controller processes frames sequentially.
type Controller struct {
	detector Detector
	embedder Embedder
	store    *identity.Store
	classes  *models.ClassTable
	filter   map[int]bool
	sink     Sink
	metrics  *metrics.Metrics
	logger   *zap.Logger
	summary  Summary
}

// New creates a controller.
func New(opts Options) (*Controller, error) {
	if opts.Detector == nil && opts.Embedder == nil {
		return nil, errors.New("controller requires a detector or an embedder")
	}
	if opts.Classes == nil {
		return nil, errors.New("controller requires a class table")
	}
	if (opts.Embedder == nil) != (opts.Store == nil) {
		return nil, errors.New("embedder and identity store must be configured together")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	var filter map[int]bool
	if len(opts.ClassFilter) > 0 {
		filter = make(map[int]bool, len(opts.ClassFilter))
		for _, id := range opts.ClassFilter {
			if id < 0 || id >= opts.Classes.Len() {
				return nil, errors.Errorf("class filter id %d out of range [0, %d)", id, opts.Classes.Len())
			}
			filter[id] = true
		}
	}

	return &Controller{
		detector: opts.Detector,
		embedder: opts.Embedder,
		store:    opts.Store,
		classes:  opts.Classes,
		filter:   filter,
		sink:     opts.Sink,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}, nil
}

// Summary returns the running totals.
func (c *Controller) Summary() Summary {
	s := c.summary
	if c.store != nil {
		s.Identities = c.store.Len()
	}
	return s
}

func (c *Controller) accepts(class int) bool {
	return c.filter == nil || c.filter[class]
}

// ProcessFrame detects objects in frame and identifies every accepted detection.
//
// Any error is fatal to this frame only; observations gathered before the
// failure are discarded and the frame adds nothing to the summary. Identity
// assignments and sink records made before the failure are kept.
func (c *Controller) ProcessFrame(ctx context.Context, frame Frame) (FrameResult, error) {
	result := FrameResult{Frame: frame}
	if c.detector == nil {
		return result, errors.New("detection path is not configured")
	}

	detections, err := c.detector.Run(ctx, frame.Image, frame.Tag)
	if err != nil {
		return result, errors.Wrapf(err, "detecting in %s", frame.Tag)
	}

	for _, det := range detections {
		if det.Class < 0 || det.Class >= c.classes.Len() {
			return result, errors.Wrapf(model.ErrShapeMismatch, "%s: class id %d outside the %d-label class table",
				frame.Tag, det.Class, c.classes.Len())
		}
	}

	if c.sink != nil {
		if err := c.sink.RecordDetections(ctx, frame.Tag, detections); err != nil {
			return result, errors.Wrap(err, "recording detections")
		}
	}

	crops := 0
	result.Observations = make([]Observation, 0, len(detections))
	for i, det := range detections {
		obs := Observation{
			Detection: det,
			Label:     c.classes.Name(det.Class),
			Tag:       fmt.Sprintf("%s_det%d", frame.Tag, i),
		}
		c.metrics.Detection(obs.Label)
		c.logger.Info("detection",
			zap.String("tag", frame.Tag),
			zap.String("label", obs.Label),
			zap.Float32("confidence", det.Score),
			zap.Stringer("box", det.Box),
		)

		if c.embedder != nil && c.accepts(det.Class) {
			crop, err := images.Crop(frame.Image, det.Box)
			if errors.Is(err, images.ErrEmptyRegion) {
				c.logger.Debug("skipping empty crop", zap.String("tag", obs.Tag))
				result.Observations = append(result.Observations, obs)
				continue
			}
			if err != nil {
				return result, err
			}
			crops++

			match, err := c.Identify(ctx, crop, obs.Tag)
			if err != nil {
				return result, err
			}
			obs.Assignment = &match
		}
		result.Observations = append(result.Observations, obs)
	}

	c.summary.Detections += len(detections)
	c.summary.Crops += crops
	return result, nil
}

// Identify embeds a crop and assigns it to an identity.
func (c *Controller) Identify(ctx context.Context, crop image.Image, tag string) (identity.MatchResult, error) {
	if c.embedder == nil {
		return identity.MatchResult{}, errors.New("identity path is not configured")
	}

	vec, err := c.embedder.Run(ctx, crop, tag)
	if err != nil {
		return identity.MatchResult{}, errors.Wrapf(err, "embedding %s", tag)
	}

	match, err := c.store.Match(tag, identity.Normalize(vec))
	if err != nil {
		return identity.MatchResult{}, errors.Wrapf(err, "matching %s", tag)
	}
	c.metrics.IdentityOutcome(match.Outcome, c.store.Len())
	c.logger.Debug("identity",
		zap.String("tag", tag),
		zap.String("identity", match.Identity.ID),
		zap.Stringer("outcome", match.Outcome),
		zap.Float32("similarity", match.Similarity),
	)

	if c.sink != nil {
		if err := c.sink.RecordAssignment(ctx, tag, match); err != nil {
			return identity.MatchResult{}, errors.Wrap(err, "recording assignment")
		}
	}
	return match, nil
}

// Run processes every frame of src until it is exhausted or ctx is done.
//
// Cancellation is checked between frames. A frame that fails, or that the
// source reports as ErrBadFrame, is logged, counted and skipped. onResult, when not nil, receives every processed frame.
//
// Returns:
//   - The summary, and ctx.Err() or a source error; nil when src reached io.EOF.
func (c *Controller) Run(ctx context.Context, src Source, onResult func(FrameResult)) (Summary, error) {
	defer c.logSummary()

	for {
		if err := ctx.Err(); err != nil {
			return c.Summary(), err
		}

		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return c.Summary(), nil
		}
		if errors.Is(err, ErrBadFrame) {
			c.summary.FrameErrors++
			c.metrics.FrameError("decode")
			c.logger.Warn("skipping unreadable frame", zap.Error(err))
			continue
		}
		if err != nil {
			return c.Summary(), errors.Wrap(err, "reading frame")
		}

		result, err := c.ProcessFrame(ctx, frame)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return c.Summary(), ctxErr
			}
			c.summary.FrameErrors++
			c.metrics.FrameError(errorType(err))
			c.logger.Warn("skipping frame", zap.String("tag", frame.Tag), zap.Error(err))
			continue
		}

		c.summary.Frames++
		c.metrics.FrameProcessed()
		if onResult != nil {
			onResult(result)
		}
	}
}

func (c *Controller) logSummary() {
	s := c.Summary()
	c.logger.Info("run finished",
		zap.Int("frames", s.Frames),
		zap.Int("frame_errors", s.FrameErrors),
		zap.Int("detections", s.Detections),
		zap.Int("crops", s.Crops),
		zap.Int("identities", s.Identities),
	)
}

func errorType(err error) string {
	switch {
	case errors.Is(err, model.ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, identity.ErrDimensionMismatch):
		return "dimension_mismatch"
	default:
		return "other"
	}
}
