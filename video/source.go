// Package video - Reads video files frame by frame with OpenCV.
package video

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/perch/controller"
)

// FrameTag returns the observation tag of frame index in the video at path.
func FrameTag(path string, index int) string {
	return fmt.Sprintf("%s_frame%d", path, index)
}

// Info describes an opened video.
type Info struct {
	Width  int
	Height int
	// Frames is the container's frame count; it may be 0 or approximate.
	Frames int
	FPS    float64
}

// Source yields the frames of one video file. It satisfies controller.Source.
type Source struct {
	path    string
	capture *gocv.VideoCapture
	mat     gocv.Mat
	info    Info
	index   int
	clock   func() time.Time
}

// Open opens the video at path.
func Open(path string, logger *zap.Logger) (*Source, error) {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening video %s", path)
	}
	if !capture.IsOpened() {
		_ = capture.Close()
		return nil, errors.Errorf("opening video %s: capture not opened", path)
	}

	info := Info{
		Width:  int(capture.Get(gocv.VideoCaptureFrameWidth)),
		Height: int(capture.Get(gocv.VideoCaptureFrameHeight)),
		Frames: int(capture.Get(gocv.VideoCaptureFrameCount)),
		FPS:    capture.Get(gocv.VideoCaptureFPS),
	}
	if logger != nil {
		logger.Info("processing video",
			zap.String("path", path),
			zap.Int("frames", info.Frames),
			zap.Int("width", info.Width),
			zap.Int("height", info.Height),
		)
	}

	return &Source{
		path:    path,
		capture: capture,
		mat:     gocv.NewMat(),
		info:    info,
		clock:   time.Now,
	}, nil
}

// Info returns the video properties reported by the container.
func (s *Source) Info() Info {
	return s.info
}

// Next implements controller.Source. It returns io.EOF at the end of the
// stream and controller.ErrBadFrame for a frame that cannot be converted.
func (s *Source) Next(ctx context.Context) (controller.Frame, error) {
	if err := ctx.Err(); err != nil {
		return controller.Frame{}, err
	}
	if ok := s.capture.Read(&s.mat); !ok || s.mat.Empty() {
		return controller.Frame{}, io.EOF
	}

	index := s.index
	s.index++

	img, err := s.mat.ToImage()
	if err != nil {
		return controller.Frame{}, errors.Wrapf(controller.ErrBadFrame, "%s: %v", FrameTag(s.path, index), err)
	}

	return controller.Frame{
		ID:        index,
		Tag:       FrameTag(s.path, index),
		Image:     img,
		Timestamp: s.clock(),
	}, nil
}

// Close releases the capture and the frame buffer.
func (s *Source) Close() error {
	return multierr.Append(
		errors.Wrap(s.mat.Close(), "closing frame buffer"),
		errors.Wrap(s.capture.Close(), "closing capture"),
	)
}
