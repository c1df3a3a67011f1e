package cli

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/gkobilansky/abgoat/internal/config"
)

func newInitCmd(opts *rootOptions) *cobra.Command {
	var (
		useDefaults bool
		force       bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an abgoat config file",
		Long: `Walk through the main settings and write them to the config file
(--config, default abgoat.yaml).

Example:
  abgoat init
  abgoat init --defaults --config /etc/abgoat.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite it", path)
			}

			cfg := config.Default()
			if !useDefaults {
				if err := promptConfig(cfg); err != nil {
					return err
				}
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			if err := cfg.Save(path); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote %s\n", path)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Next steps:")
			fmt.Fprintln(out, "  abgoat create <name> --variants \"Control,Challenger\" --hypothesis ... --metric ...")
			fmt.Fprintln(out, "  abgoat start <test>")
			fmt.Fprintln(out, "  abgoat serve")
			return nil
		},
	}

	cmd.Flags().BoolVar(&useDefaults, "defaults", false, "write the defaults without prompting")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func promptConfig(cfg *config.Config) error {
	drivers := []string{"sqlite", "badger", "memory"}
	driverPrompt := promptui.Select{
		Label: "Storage driver",
		Items: drivers,
		Size:  3,
	}
	idx, _, err := driverPrompt.Run()
	if err != nil {
		return promptErr(err)
	}
	cfg.Storage.Driver = drivers[idx]

	if cfg.Storage.Driver != "memory" {
		def := cfg.Storage.Path
		if cfg.Storage.Driver == "badger" {
			def = "./abgoat-data"
		}
		path, err := (&promptui.Prompt{Label: "Storage path", Default: def}).Run()
		if err != nil {
			return promptErr(err)
		}
		cfg.Storage.Path = path
	}

	portStr, err := (&promptui.Prompt{
		Label:   "Server port",
		Default: strconv.Itoa(cfg.Server.Port),
		Validate: func(s string) error {
			p, err := strconv.Atoi(s)
			if err != nil || p < 1 || p > 65535 {
				return errors.New("port must be between 1 and 65535")
			}
			return nil
		},
	}).Run()
	if err != nil {
		return promptErr(err)
	}
	cfg.Server.Port, _ = strconv.Atoi(portStr)

	confStr, err := (&promptui.Prompt{
		Label:   "Default confidence level",
		Default: strconv.FormatFloat(cfg.Engine.ConfidenceLevel, 'f', -1, 64),
		Validate: func(s string) error {
			c, err := strconv.ParseFloat(s, 64)
			if err != nil || c <= 0 || c >= 1 {
				return errors.New("confidence level must be between 0 and 1")
			}
			return nil
		},
	}).Run()
	if err != nil {
		return promptErr(err)
	}
	cfg.Engine.ConfidenceLevel, _ = strconv.ParseFloat(confStr, 64)

	sampleStr, err := (&promptui.Prompt{
		Label:   "Minimum impressions per variant",
		Default: strconv.FormatInt(cfg.Engine.MinimumSampleSize, 10),
		Validate: func(s string) error {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil || n <= 0 {
				return errors.New("must be a positive whole number")
			}
			return nil
		},
	}).Run()
	if err != nil {
		return promptErr(err)
	}
	cfg.Engine.MinimumSampleSize, _ = strconv.ParseInt(sampleStr, 10, 64)

	_, err = (&promptui.Prompt{
		Label:     "Complete tests automatically once significant",
		IsConfirm: true,
		Default:   "y",
	}).Run()
	switch {
	case err == nil:
		cfg.Engine.AutoComplete = true
	case errors.Is(err, promptui.ErrAbort):
		cfg.Engine.AutoComplete = false
	default:
		return promptErr(err)
	}

	return nil
}

func promptErr(err error) error {
	if errors.Is(err, promptui.ErrInterrupt) {
		return errors.New("cancelled")
	}
	return err
}
