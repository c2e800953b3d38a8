package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cobaltgraph/cobaltgraph/config"
	"github.com/cobaltgraph/cobaltgraph/util"

	"github.com/google/go-github/github"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

var ErrDisclaimerDeclined = errors.New("monitoring not authorized by operator")

const disclaimer = `Cobalt Graph passively observes network traffic on this host.
Only monitor networks and devices you own or are authorized to assess.
Continue? [y/N]: `

func Commands() []*cli.Command {
	return []*cli.Command{
		DeviceCommand,
		NetworkCommand,
		ViewCommand,
		ValidateConfigCommand,
	}
}

func ConfigFlag(required bool) *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "config",
		Aliases:  []string{"c"},
		Usage:    "Load configuration from `FILE`",
		Value:    config.DefaultConfigPath,
		Required: required,
	}
}

// loadConfig reads the config file when present and falls back to defaults
// otherwise, so the tool runs out of the box
func loadConfig(afs afero.Fs, path string) (*config.Config, error) {
	if err := util.ValidateFile(afs, path); err != nil {
		if path != config.DefaultConfigPath {
			return nil, err
		}
		cfg := config.GetDefaultConfig()
		return &cfg, nil
	}
	return config.ReadFileConfig(afs, path)
}

// AcknowledgeDisclaimer requires an explicit yes before capture starts
func AcknowledgeDisclaimer(in io.Reader, out io.Writer, assumeYes bool) error {
	if assumeYes {
		return nil
	}
	fmt.Fprint(out, disclaimer)

	reply, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return err
	}
	reply = strings.ToLower(strings.TrimSpace(reply))
	if reply != "y" && reply != "yes" {
		return ErrDisclaimerDeclined
	}
	return nil
}

func CheckForUpdate() {
	currentVersion := config.Version
	if currentVersion == "" || currentVersion == "dev" {
		return
	}
	newer, latestVersion, err := util.CheckForNewerVersion(github.NewClient(nil), currentVersion)
	if err != nil {
		// update checks are best effort
		return
	}
	if newer {
		fmt.Printf("\n\t✨ A newer version (%s) of Cobalt Graph is available! ✨\n\n", latestVersion)
	}
}
