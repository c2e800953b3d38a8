package cmd

import (
	"fmt"

	"github.com/cobaltgraph/cobaltgraph/database"
	"github.com/cobaltgraph/cobaltgraph/viewer"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

var ViewCommand = &cli.Command{
	Name:      "view",
	Usage:     "show recent stored assessments without capturing",
	UsageText: "cobaltgraph view [--limit N] [--csv]",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:    "limit",
			Aliases: []string{"l"},
			Usage:   "maximum number of rows to show",
			Value:   100,
		},
		&cli.BoolFlag{
			Name:  "csv",
			Usage: "emit summary CSV instead of a table",
		},
		ConfigFlag(false),
	},
	Action: func(cCtx *cli.Context) error {
		cfg, err := loadConfig(afero.NewOsFs(), cCtx.String("config"))
		if err != nil {
			return err
		}

		db, err := database.OpenDB(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer db.Close()

		if cCtx.Bool("csv") {
			out, err := viewer.GetCSVOutput(db, cCtx.Int("limit"))
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		}

		rows, err := db.RecentConnections(cCtx.Int("limit"))
		if err != nil {
			return err
		}
		fmt.Print(viewer.FormatResults(rows))
		return nil
	},
}
