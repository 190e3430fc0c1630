package commands

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	"github.com/lukinterlab/idealimage-ru-sub001/generate"
	"github.com/lukinterlab/idealimage-ru-sub001/pulse/cooldown"
	"github.com/lukinterlab/idealimage-ru-sub001/pulse/lease"
	"github.com/lukinterlab/idealimage-ru-sub001/sym"
)

// StatusCmd shows the coordination state of one resource
var StatusCmd = &cobra.Command{
	Use:   "status <resource>",
	Short: sym.Pulse + " Show queue, lease and cooldown state of a resource",
	Long: sym.Pulse + ` Show the coordination state of a resource.

A resource is a template category with the _generation suffix; a bare
category is accepted too.

Examples:
  idealgen status horoscope_generation
  idealgen status horoscope --json
  idealgen status horoscope --clear-cooldown`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	StatusCmd.Flags().Bool("json", false, "Output as JSON")
	StatusCmd.Flags().Bool("clear-cooldown", false, "Lift the resource cooldown")
}

// resourceStatus is the JSON shape of `idealgen status`
type resourceStatus struct {
	lease.Status
	CooldownSeconds int    `json:"cooldown_seconds"`
	CooldownReason  string `json:"cooldown_reason,omitempty"`
}

func normalizeResource(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "_generation") {
		return s
	}
	return s + "_generation"
}

func runStatus(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	clearCooldown, _ := cmd.Flags().GetBool("clear-cooldown")
	resource := normalizeResource(args[0])
	ctx := cmd.Context()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	gate := cooldown.NewGate(a.kv, a.log)
	if clearCooldown {
		if err := gate.Clear(ctx, resource); err != nil {
			return errors.Wrapf(err, "failed to clear cooldown of %s", resource)
		}
		pterm.Success.Printfln("Cooldown of %s cleared", resource)
	}

	queue := lease.New(a.kv, resource, generate.ConfigFromAM(a.cfg).Queue, a.log)
	st, err := queue.Status(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to read status of %s", resource)
	}
	out := resourceStatus{
		Status:          st,
		CooldownSeconds: int(gate.Remaining(ctx, resource).Round(time.Second).Seconds()),
		CooldownReason:  gate.Reason(ctx, resource),
	}

	if asJSON {
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal status")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	return pterm.DefaultTable.WithHasHeader().WithData(statusTable(out, time.Now())).Render()
}

func statusTable(st resourceStatus, now time.Time) pterm.TableData {
	holder := "-"
	if st.Holder != "" {
		holder = st.Holder
	}
	beat := "-"
	if st.LastHeartbeat != nil {
		beat = fmt.Sprintf("%s ago", now.Sub(*st.LastHeartbeat).Round(time.Second))
	}
	cool := "-"
	if st.CooldownSeconds > 0 {
		cool = fmt.Sprintf("%ds", st.CooldownSeconds)
		if st.CooldownReason != "" {
			cool += " (" + st.CooldownReason + ")"
		}
	}

	data := pterm.TableData{
		{"Field", "Value"},
		{"Resource", st.Resource},
		{"Holder", holder},
		{"Last heartbeat", beat},
		{"Cooldown", cool},
		{"Queued", strconv.Itoa(len(st.Queue))},
	}
	for i, id := range st.Queue {
		data = append(data, []string{"#" + strconv.Itoa(i+1), id})
	}
	return data
}
