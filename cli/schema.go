package cli

import (
	"github.com/urfave/cli/v2"

	"go.viam.com/tod/config"
)

// SchemaAction prints the JSON schema configuration files are checked against.
func SchemaAction(c *cli.Context) error {
	data, err := config.SchemaJSON()
	if err != nil {
		return err
	}
	printf(c.App.Writer, "%s\n", data)
	return nil
}
