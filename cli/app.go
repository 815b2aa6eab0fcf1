// Package cli implements the tod command line: training object models from recorded frames,
// detecting trained objects in a query frame and printing the configuration schema.
package cli

import (
	"io"

	"github.com/urfave/cli/v2"
)

const (
	// Flags.
	configFlag     = "config"
	debugFlag      = "debug"
	logLevelFlag   = "log-level"
	objectIDFlag   = "object-id"
	framesFlag     = "frames"
	visualizeFlag  = "visualize"
	imageFlag      = "image"
	depthFlag      = "depth"
	maskFlag       = "mask"
	intrinsicsFlag = "intrinsics"
)

var app = &cli.App{
	Name:            "tod",
	Usage:           "train and detect textured objects",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    debugFlag,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
		&cli.StringSliceFlag{
			Name:  logLevelFlag,
			Usage: "set the level of a logger and its subloggers, as `NAME=LEVEL` (e.g. tod.train.db=warn)",
		},
	},
	Commands: []*cli.Command{
		{
			Name:      "train",
			Usage:     "build the model of an object from calibrated RGB-D frames",
			UsageText: "tod train --config <path> --object-id <id> --frames <dir>",
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:     configFlag,
					Aliases:  []string{"c"},
					Usage:    "load configuration from `FILE`",
					Required: true,
				},
				&cli.StringFlag{
					Name:     objectIDFlag,
					Usage:    "id of the object the model is saved under",
					Required: true,
				},
				&cli.PathFlag{
					Name:     framesFlag,
					Usage:    "directory of frame descriptors, one JSON file per frame",
					Required: true,
				},
				&cli.PathFlag{
					Name:  visualizeFlag,
					Usage: "write keypoint overlays into `DIR`",
				},
			},
			Action: TrainAction,
		},
		{
			Name:      "detect",
			Usage:     "find trained objects in a calibrated RGB-D frame",
			UsageText: "tod detect --config <path> --image <path> --depth <path> --intrinsics <path> [object ids...]",
			ArgsUsage: "[object ids...]",
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:     configFlag,
					Aliases:  []string{"c"},
					Usage:    "load configuration from `FILE`",
					Required: true,
				},
				&cli.PathFlag{
					Name:     imageFlag,
					Usage:    "image to detect objects in",
					Required: true,
				},
				&cli.PathFlag{
					Name:     depthFlag,
					Usage:    "16-bit PNG depth map in mm registered to the image",
					Required: true,
				},
				&cli.PathFlag{
					Name:  maskFlag,
					Usage: "optional mask image, non-zero pixels are searched",
				},
				&cli.PathFlag{
					Name:     intrinsicsFlag,
					Usage:    "JSON file of the camera intrinsics",
					Required: true,
				},
				&cli.PathFlag{
					Name:  visualizeFlag,
					Usage: "write inlier overlays into `DIR`",
				},
			},
			Action: DetectAction,
		},
		{
			Name:   "schema",
			Usage:  "print the JSON schema of the configuration file",
			Action: SchemaAction,
		},
	},
}

// NewApp returns a new app with the CLI API, Writer set to out, and ErrWriter
// set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}
