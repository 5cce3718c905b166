package main

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nvr-ai/perch/controller"
	"github.com/nvr-ai/perch/identity"
)

func newRunCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run <folder>",
		Short: "Detect birds in every video and image under a folder and cluster them into identities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := a.openPipeline(ctx, stages{detect: true, identify: a.cfg.Embedder.Enabled})
			if err != nil {
				return err
			}
			defer p.Close()

			src, err := a.openInputs(args[0], true)
			if err != nil {
				return err
			}
			defer src.Close()

			summary, err := p.controller.Run(ctx, src, nil)
			if err := a.printSummary(summary, p.identities); err != nil {
				return err
			}
			return ignoreCanceled(err)
		},
	}
}

func newDetectCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "detect <path>",
		Short: "Print the detections of a video, an image, or every input under a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := a.openPipeline(ctx, stages{detect: true})
			if err != nil {
				return err
			}
			defer p.Close()

			src, err := a.openInputs(args[0], true)
			if err != nil {
				return err
			}
			defer src.Close()

			var writeErr error
			summary, err := p.controller.Run(ctx, src, func(r controller.FrameResult) {
				for _, obs := range r.Observations {
					if writeErr != nil {
						return
					}
					_, writeErr = fmt.Fprintf(a.out, "%s\t%s\t%.3f\t%s\n",
						r.Frame.Tag, obs.Label, obs.Detection.Score, obs.Detection.Box)
				}
			})
			if writeErr != nil {
				return errors.Wrap(writeErr, "writing detections")
			}
			if err := a.printSummary(summary, nil); err != nil {
				return err
			}
			return ignoreCanceled(err)
		},
	}
}

func newClusterCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cluster <folder>",
		Short: "Cluster a folder of bird crops into identities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := a.openPipeline(ctx, stages{identify: true})
			if err != nil {
				return err
			}
			defer p.Close()

			src, err := a.openInputs(args[0], false)
			if err != nil {
				return err
			}
			defer src.Close()

			if err := a.cluster(ctx, p.controller, src); err != nil {
				return ignoreCanceled(err)
			}
			return a.printSummary(p.controller.Summary(), p.identities)
		},
	}
}

// cluster assigns every crop from src to an identity, skipping unreadable files.
func (a *app) cluster(ctx context.Context, c *controller.Controller, src controller.Source) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, controller.ErrBadFrame) {
			a.logger.Warn("skipping unreadable crop", zap.Error(err))
			continue
		}
		if err != nil {
			return err
		}
		if _, err := c.Identify(ctx, frame.Image, frame.Tag); err != nil {
			a.logger.Warn("skipping crop", zap.String("tag", frame.Tag), zap.Error(err))
		}
	}
}

func (a *app) printSummary(s controller.Summary, identities *identity.Store) error {
	w := a.out
	if _, err := fmt.Fprintf(w, "frames: %d\nframe errors: %d\ndetections: %d\ncrops: %d\n",
		s.Frames, s.FrameErrors, s.Detections, s.Crops); err != nil {
		return err
	}
	if identities == nil {
		return nil
	}

	stats := identities.Stats()
	if _, err := fmt.Fprintf(w, "identities: %d\nsamples: %d\n", stats.Identities, stats.Samples); err != nil {
		return err
	}
	for _, id := range identities.Identities() {
		if _, err := fmt.Fprintf(w, "  %s\t%d\n", id.ID, stats.PerIdentity[id.ID]); err != nil {
			return err
		}
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
