package commands

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	"github.com/lukinterlab/idealimage-ru-sub001/generate"
	"github.com/lukinterlab/idealimage-ru-sub001/sym"
)

// GenerateCmd runs one generation job
var GenerateCmd = &cobra.Command{
	Use:   "generate <template>",
	Short: sym.Prose + " Generate one item from a template",
	Long: sym.Prose + ` Generate one item from a template.

Modes:
  auto         queued and heart-beating, published, notified (default)
  scheduled    published without queueing, as inside a schedule run
  interactive  preview only, fails fast while the resource cools down
  batch        queued, saved as draft

Examples:
  idealgen generate --list
  idealgen generate horoscope
  idealgen generate horoscope --mode interactive --var sign=Овен --var target_date_offset=2`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGenerate,
}

func init() {
	GenerateCmd.Flags().String("mode", string(generate.ModeAuto), "auto, scheduled, interactive or batch")
	GenerateCmd.Flags().StringArray("var", nil, "Context variable as key=value (repeatable)")
	GenerateCmd.Flags().String("job-id", "", "Job id to queue under (generated when empty)")
	GenerateCmd.Flags().Bool("list", false, "List the templates under templates.dir")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	modeFlag, _ := cmd.Flags().GetString("mode")
	varFlags, _ := cmd.Flags().GetStringArray("var")
	jobID, _ := cmd.Flags().GetString("job-id")
	list, _ := cmd.Flags().GetBool("list")
	if !list && len(args) != 1 {
		return errors.WithHint(errors.New("template name required"), "run `idealgen generate --list` to see templates")
	}

	mode, err := generate.ParseMode(modeFlag)
	if err != nil {
		return err
	}
	vars, err := parseVars(varFlags)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if list {
		names, err := a.templates.Names(cmd.Context())
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	}

	orch, err := a.orchestrator(mode)
	if err != nil {
		return err
	}

	res := orch.Generate(cmd.Context(), generate.Request{
		JobID:        jobID,
		TemplateName: args[0],
		Variables:    vars,
	})

	var out interface{} = res
	if res.Preview != nil {
		out = res.Preview
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal result")
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))

	if res.Err != nil {
		return errors.Wrapf(res.Err, "job %s %s", res.JobID, res.Status)
	}
	return nil
}

// parseVars turns key=value flags into context variables. Integers and
// booleans keep their type so templates can do arithmetic on them.
func parseVars(flags []string) (map[string]any, error) {
	vars := make(map[string]any, len(flags))
	for _, f := range flags {
		key, value, ok := strings.Cut(f, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.WithHint(errors.Newf("invalid --var %q", f), "use --var key=value")
		}
		vars[key] = parseScalar(value)
	}
	return vars, nil
}

func parseScalar(s string) any {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}
