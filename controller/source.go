package controller

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ErrBadFrame marks a source error that only affects one frame; Run skips it and continues.
var ErrBadFrame = errors.New("bad frame")

// Source yields frames in order. Next returns io.EOF when exhausted.
type Source interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// SliceSource serves frames from memory.
type SliceSource struct {
	frames []Frame
	next   int
}

// NewSliceSource creates a source over frames.
func NewSliceSource(frames ...Frame) *SliceSource {
	return &SliceSource{frames: frames}
}

// Next implements Source.
func (s *SliceSource) Next(context.Context) (Frame, error) {
	if s.next >= len(s.frames) {
		return Frame{}, io.EOF
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}

// Close implements Source.
func (s *SliceSource) Close() error {
	return nil
}

// MultiSource drains each source in turn, closing it when exhausted.
type MultiSource struct {
	sources []Source
}

// NewMultiSource chains sources.
func NewMultiSource(sources ...Source) *MultiSource {
	return &MultiSource{sources: sources}
}

// Next implements Source.
func (m *MultiSource) Next(ctx context.Context) (Frame, error) {
	for len(m.sources) > 0 {
		f, err := m.sources[0].Next(ctx)
		if !errors.Is(err, io.EOF) {
			return f, err
		}
		if err := m.sources[0].Close(); err != nil {
			return Frame{}, errors.Wrap(err, "closing source")
		}
		m.sources = m.sources[1:]
	}
	return Frame{}, io.EOF
}

// Close closes every remaining source.
func (m *MultiSource) Close() error {
	var err error
	for _, s := range m.sources {
		err = multierr.Append(err, s.Close())
	}
	m.sources = nil
	return err
}
