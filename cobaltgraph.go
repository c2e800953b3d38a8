package main

import (
	"fmt"
	"os"

	"github.com/cobaltgraph/cobaltgraph/cmd"
	"github.com/cobaltgraph/cobaltgraph/config"
	"github.com/cobaltgraph/cobaltgraph/logger"
	"github.com/cobaltgraph/cobaltgraph/viewer"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

// Version is populated by build flags with the current Git tag
var Version string

func main() {
	// set the version in config to make it importable by other packages
	config.Version = Version

	app := &cli.App{
		EnableBashCompletion: true,
		Commands:             cmd.Commands(),
		Name:                 "Cobalt Graph",
		Usage:                "Passive network intelligence with consensus threat scoring",
		UsageText:            "cobaltgraph [-d] command [command options]",
		Version:              Version,
		Args:                 true,
		ExitErrHandler:       exitErrHandler,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:     "debug",
				Aliases:  []string{"d"},
				Usage:    "Run in debug mode",
				Value:    false,
				Required: false,
			},
		},
		Before: func(cCtx *cli.Context) error {
			// set logger mode based on APP_ENV
			logger.DebugMode = os.Getenv("APP_ENV") == "dev"

			// override APP_ENV if the --debug flag is set
			// *note that global flags must be placed before the subcommand when running in the CLI
			if cCtx.Bool("debug") {
				logger.DebugMode = true
				viewer.DebugMode = true
			}

			// load environment variables from a .env file when present;
			// credentials may come from the environment alone
			if err := godotenv.Load("./.env"); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("error loading .env file: %w", err)
			}

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger := logger.GetLogger()
		logger.Fatal().Err(err).Send()
	}

}

// exitErrHandler implements cli.ExitErrHandlerFunc
func exitErrHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}
	code := 1
	if exitErr, ok := err.(cli.ExitCoder); ok {
		code = exitErr.ExitCode()
	}
	if err.Error() != "" {
		fmt.Fprintf(c.App.ErrWriter, "\n[!] %+v\n", err.Error())
	}
	cli.OsExiter(code)
}
