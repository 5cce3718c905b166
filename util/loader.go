// Package util - File discovery and image loading.
package util

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nvr-ai/perch/controller"
	"github.com/nvr-ai/perch/models/model/preprocess"
)

var (
	// ImageExtensions are the still image types that can be decoded.
	ImageExtensions = []string{".jpg", ".jpeg", ".png"}
	// VideoExtensions are the video types handed to the video reader.
	VideoExtensions = []string{".mp4"}
)

// ImageFile represents an image file.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Data is the raw bytes of the image file.
	Data []byte
}

// Format returns the encoding implied by the file extension.
func (f ImageFile) Format() preprocess.ImageFormat {
	if strings.EqualFold(filepath.Ext(f.Path), ".png") {
		return preprocess.ImageFormatPNG
	}
	return preprocess.ImageFormatJPEG
}

// FindFiles walks root recursively and returns the files whose extension is in
// extensions (case-insensitive), in lexical order.
//
// Arguments:
// - root: Directory to walk, or a single file.
// - extensions: Accepted extensions including the dot.
//
// Returns:
// - []string: Matching paths.
// - error: Error if root cannot be walked.
func FindFiles(root string, extensions []string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if HasExtension(path, extensions) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walking %s", root)
	}
	return paths, nil
}

// HasExtension reports whether path has one of extensions, ignoring case.
func HasExtension(path string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ImageSource serves image files as frames, tagged by path.
// Files are read lazily; an unreadable file yields controller.ErrBadFrame.
type ImageSource struct {
	paths   []string
	next    int
	decoder *preprocess.Preprocessor
}

// NewImageSource creates a source over image paths.
func NewImageSource(paths []string) *ImageSource {
	return &ImageSource{
		paths:   paths,
		decoder: preprocess.NewPreprocessor(preprocess.ModelConfig{Name: "loader"}),
	}
}

// Next implements controller.Source.
func (s *ImageSource) Next(context.Context) (controller.Frame, error) {
	if s.next >= len(s.paths) {
		return controller.Frame{}, io.EOF
	}
	id := s.next
	path := s.paths[id]
	s.next++

	data, err := os.ReadFile(path)
	if err != nil {
		return controller.Frame{}, errors.Wrapf(controller.ErrBadFrame, "%s: %v", path, err)
	}
	file := ImageFile{Path: path, Data: data}
	img, err := s.decoder.Decode(&preprocess.Image{Format: file.Format(), Data: file.Data})
	if err != nil {
		return controller.Frame{}, errors.Wrapf(controller.ErrBadFrame, "%s: %v", path, err)
	}

	var ts time.Time
	if info, err := os.Stat(path); err == nil {
		ts = info.ModTime()
	}
	return controller.Frame{ID: id, Tag: path, Image: img, Timestamp: ts}, nil
}

// Close implements controller.Source.
func (s *ImageSource) Close() error {
	return nil
}
