package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lukinterlab/idealimage-ru-sub001/am"
	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	"github.com/lukinterlab/idealimage-ru-sub001/sym"
)

// ConfigCmd manages configuration
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: sym.AM + " Show, check and override configuration",
	Long: sym.AM + ` Show, check and override idealgen configuration.

Configuration sources (lowest to highest precedence):
1. Defaults
2. System config (/etc/idealgen/idealgen.toml)
3. User config (~/.idealgen/idealgen.toml)
4. Overrides written by ` + "`config set`" + ` (~/.idealgen/overrides.toml)
5. Project config (./idealgen.toml, searched upwards)
6. Environment variables (IDEALGEN_* prefix, .env is loaded first)

Examples:
  idealgen config show
  idealgen config show --format json
  idealgen config check ./idealgen.toml
  idealgen config set queue.rollover carry
  idealgen config where`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration with secrets masked",
	RunE:  runConfigShow,
}

var configCheckCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "Validate configuration and report unknown keys in a file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigCheck,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist an override to ~/.idealgen/overrides.toml",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which config files are read",
	RunE:  runConfigWhere,
}

func init() {
	configShowCmd.Flags().String("format", "toml", "Output format: toml, json, yaml")

	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configCheckCmd)
	ConfigCmd.AddCommand(configSetCmd)
	ConfigCmd.AddCommand(configWhereCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	out := cmd.OutOrStdout()

	switch format {
	case "toml":
		data, err := am.MarshalSettings()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "# idealgen configuration\n%s", data)
	case "json":
		data, err := json.MarshalIndent(am.MaskedSettings(am.GetViper()), "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Fprintln(out, string(data))
	case "yaml":
		data, err := yaml.Marshal(am.MaskedSettings(am.GetViper()))
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Fprintf(out, "# idealgen configuration\n%s", data)
	default:
		return errors.Newf("unsupported format: %s (supported: toml, json, yaml)", format)
	}
	return nil
}

func runConfigCheck(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	pterm.Success.Println("Effective configuration is valid")

	if len(args) == 0 {
		return nil
	}
	unknown, err := am.CheckFile(args[0])
	if err != nil {
		return err
	}
	if len(unknown) == 0 {
		pterm.Success.Printfln("%s has no unknown keys", args[0])
		return nil
	}
	for _, key := range unknown {
		pterm.Warning.Printfln("unknown key %s", key)
	}
	return errors.WithHint(errors.Newf("%s has %d unknown key(s)", args[0], len(unknown)),
		"run `idealgen config show` to list valid keys")
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	if err := am.SetOverride(args[0], parseScalar(args[1])); err != nil {
		return err
	}
	cfg, err := am.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		pterm.Warning.Printfln("Override saved but configuration is now invalid: %v", err)
		return nil
	}
	pterm.Success.Printfln("%s = %s written to %s", args[0], args[1], am.GetOverridesPath())
	return nil
}

func runConfigWhere(cmd *cobra.Command, args []string) error {
	data := pterm.TableData{{"Precedence", "Path", "Present"}}
	for i, path := range am.ConfigPaths() {
		_, err := os.Stat(path)
		data = append(data, []string{fmt.Sprint(i + 1), path, fmt.Sprint(err == nil)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
