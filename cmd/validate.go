package cmd

import (
	"fmt"

	"github.com/cobaltgraph/cobaltgraph/config"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

var ValidateConfigCommand = &cli.Command{
	Name:      "validate-config",
	Usage:     "validate a configuration file without starting the pipeline",
	UsageText: "cobaltgraph validate-config --config FILE",
	Flags: []cli.Flag{
		ConfigFlag(true),
	},
	Action: func(cCtx *cli.Context) error {
		return RunValidateConfigCmd(afero.NewOsFs(), cCtx.String("config"))
	},
}

func RunValidateConfigCmd(afs afero.Fs, path string) error {
	if _, err := config.ReadFileConfig(afs, path); err != nil {
		return err
	}
	fmt.Printf("%s is valid\n", path)
	return nil
}
