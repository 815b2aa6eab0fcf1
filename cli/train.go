package cli

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.viam.com/tod/config"
	"go.viam.com/tod/objectdb"
	"go.viam.com/tod/training"
)

// TrainAction trains the model of one object from a directory of frame descriptors and saves it
// into the configured store.
func TrainAction(c *cli.Context) (err error) {
	logger, err := newLogger(c, "tod.train")
	if err != nil {
		return err
	}
	cfg, err := config.Read(c.Path(configFlag))
	if err != nil {
		return err
	}
	frames, err := ReadFrameDescriptors(c.Path(framesFlag))
	if err != nil {
		return err
	}
	var opts []config.Option
	if dir := c.Path(visualizeFlag); dir != "" {
		opts = append(opts, config.WithVisualize(dir))
	}

	store, err := objectdb.NewStore(c.Context, cfg.DB, logger.Sublogger("db"))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, store.Close(c.Context))
	}()
	session, err := training.NewSession(c.String(objectIDFlag), cfg, store, logger, opts...)
	if err != nil {
		return err
	}

	observations := make(chan training.Observation)
	g, ctx := errgroup.WithContext(c.Context)
	g.Go(func() error {
		defer close(observations)
		for _, fd := range frames {
			obs, err := fd.Observation()
			if err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case observations <- obs:
			}
		}
		return nil
	})
	g.Go(func() error {
		return session.Run(ctx, observations)
	})
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "cannot process frames")
	}

	model, err := session.Finalize(c.Context)
	if err != nil {
		return err
	}
	printf(c.App.Writer, "%s", modelSummary(model, session.Result()))
	return nil
}

func modelSummary(model *objectdb.Model, res *training.PostProcessResult) string {
	t := table.NewWriter()
	t.SetTitle(fmt.Sprintf("model of %q", model.ObjectID))
	t.AppendRow(table.Row{"session", model.SessionID})
	t.AppendRow(table.Row{"points", len(model.Points)})
	if res != nil {
		t.AppendRow(table.Row{"observations", len(res.Problem.Observations)})
		t.AppendRow(table.Row{"tracks", res.Problem.NumTracks()})
		if res.Adjustment != nil {
			t.AppendRow(table.Row{"reprojection rms (px)", fmt.Sprintf("%.3f -> %.3f", res.Adjustment.InitialRMS, res.Adjustment.RMS)})
			t.AppendRow(table.Row{"converged", res.Adjustment.Converged})
		}
	}
	counts := make([]float64, len(model.Observations))
	for i, n := range model.Observations {
		counts[i] = float64(n)
	}
	if mean, err := stats.Mean(counts); err == nil {
		t.AppendRow(table.Row{"observations per point", fmt.Sprintf("%.2f", mean)})
	}
	t.AppendRow(table.Row{"span (m)", fmt.Sprintf("%.3f", model.Span())})
	return t.Render() + "\n"
}
