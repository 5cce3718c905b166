package main

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/perch/controller"
	"github.com/nvr-ai/perch/util"
	"github.com/nvr-ai/perch/video"
)

// lazyVideo opens its video on the first call to Next so that a long run
// holds one capture at a time.
type lazyVideo struct {
	path   string
	logger *zap.Logger
	src    *video.Source
	done   bool
}

func (v *lazyVideo) Next(ctx context.Context) (controller.Frame, error) {
	if v.done {
		return controller.Frame{}, io.EOF
	}
	if v.src == nil {
		src, err := video.Open(v.path, v.logger)
		if err != nil {
			v.done = true
			return controller.Frame{}, errors.Wrapf(controller.ErrBadFrame, "%v", err)
		}
		v.src = src
	}
	return v.src.Next(ctx)
}

func (v *lazyVideo) Close() error {
	v.done = true
	if v.src == nil {
		return nil
	}
	src := v.src
	v.src = nil
	return src.Close()
}

// openInputs returns a source over path: every video under it, then every
// image. A single file is read according to its extension.
func (a *app) openInputs(path string, withVideos bool) (controller.Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading input")
	}

	var videos, imgs []string
	if info.IsDir() {
		if withVideos {
			if videos, err = util.FindFiles(path, util.VideoExtensions); err != nil {
				return nil, err
			}
		}
		if imgs, err = util.FindFiles(path, util.ImageExtensions); err != nil {
			return nil, err
		}
	} else {
		switch {
		case withVideos && util.HasExtension(path, util.VideoExtensions):
			videos = []string{path}
		case util.HasExtension(path, util.ImageExtensions):
			imgs = []string{path}
		default:
			return nil, errors.Errorf("unsupported input file %s", path)
		}
	}

	sources := make([]controller.Source, 0, len(videos)+1)
	for _, v := range videos {
		sources = append(sources, &lazyVideo{path: v, logger: a.logger})
	}
	if len(imgs) > 0 {
		sources = append(sources, util.NewImageSource(imgs))
	}
	a.logger.Info("inputs", zap.String("path", path), zap.Int("videos", len(videos)), zap.Int("images", len(imgs)))
	return controller.NewMultiSource(sources...), nil
}
