package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"go.viam.com/tod/logging"
)

// newLogger returns a logger writing to the app's error writer. --debug lowers the whole name
// subtree to debug, then every --log-level name=level pair applies on top of it.
func newLogger(c *cli.Context, name string) (logging.Logger, error) {
	level := logging.INFO
	if c.Bool(debugFlag) {
		level = logging.DEBUG
	}
	if err := logging.UpdateLoggerLevel(name, level); err != nil {
		return nil, err
	}
	for _, pair := range c.StringSlice(logLevelFlag) {
		target, levelName, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, errors.Errorf("--%s expects name=level, got %q", logLevelFlag, pair)
		}
		lvl, err := logging.LevelFromString(levelName)
		if err != nil {
			return nil, err
		}
		if err := logging.UpdateLoggerLevel(strings.TrimSpace(target), lvl); err != nil {
			return nil, err
		}
	}
	logger := logging.NewBlankLogger(name)
	logger.AddAppender(logging.NewWriterAppender(c.App.ErrWriter))
	return logger, nil
}

func printf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, format, a...)
}
