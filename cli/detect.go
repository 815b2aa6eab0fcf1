package cli

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/tod/config"
	"go.viam.com/tod/detection"
	"go.viam.com/tod/objectdb"
	"go.viam.com/tod/rimage"
	"go.viam.com/tod/rimage/transform"
)

// DetectAction looks for the trained objects named as arguments, or the configured ones, in one
// RGB-D frame and prints the poses found.
func DetectAction(c *cli.Context) (err error) {
	logger, err := newLogger(c, "tod.detect")
	if err != nil {
		return err
	}
	cfg, err := config.Read(c.Path(configFlag))
	if err != nil {
		return err
	}
	k, err := transform.NewPinholeCameraIntrinsicsFromJSONFile(c.Path(intrinsicsFlag))
	if err != nil {
		return err
	}
	q := detection.Query{K: k}
	if q.Image, err = rimage.ReadGrayImage(c.Path(imageFlag)); err != nil {
		return err
	}
	if q.Depth, err = rimage.ReadDepthMap(c.Path(depthFlag)); err != nil {
		return err
	}
	if path := c.Path(maskFlag); path != "" {
		if q.Mask, err = rimage.ReadMask(path); err != nil {
			return err
		}
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
	detector, err := detection.NewDetector(c.Context, cfg, store, c.Args().Slice(), logger, opts...)
	if err != nil {
		return err
	}
	results, err := detector.Detect(c.Context, q)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		printf(c.App.Writer, "no object found among %v\n", detector.ObjectIDs())
		return nil
	}
	printf(c.App.Writer, "%s", poseTable(results))
	return nil
}

// poseTable renders one row per pose, the rotation as an axis-angle vector in radians.
func poseTable(results []detection.PoseResult) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "object", "inliers", "rotation", "translation (m)"})
	for i, r := range results {
		aa := transform.RotationMatrixToAxisAngle(r.R)
		t.AppendRow([]interface{}{
			i,
			r.ObjectID,
			r.Inliers,
			fmt.Sprintf("(%.4f, %.4f, %.4f)", aa.X, aa.Y, aa.Z),
			fmt.Sprintf("(%.4f, %.4f, %.4f)", r.T.X, r.T.Y, r.T.Z),
		})
	}
	return t.Render() + "\n"
}
