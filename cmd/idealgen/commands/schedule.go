package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	"github.com/lukinterlab/idealimage-ru-sub001/pulse/schedule"
	"github.com/lukinterlab/idealimage-ru-sub001/sym"
)

// ScheduleCmd manages recurring schedules
var ScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: sym.Pulse + " Manage recurring schedules",
	Long: sym.Pulse + ` Manage recurring generation schedules.

Exactly one trigger is chosen per schedule: --interval, --cron, --frequency
or --manual. Due schedules are run by ` + "`idealgen run`" + `.

Examples:
  idealgen schedule add daily-horoscope --template horoscope --cron "0 6 * * *" --items 12
  idealgen schedule add tips --template tips --interval 2h --max-runs 10
  idealgen schedule list
  idealgen schedule run daily-horoscope
  idealgen schedule history daily-horoscope`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Create a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleAdd,
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	RunE:  runScheduleList,
}

var scheduleRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run a schedule now, regardless of next_run",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRun,
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Delete a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRemove,
}

var scheduleHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show recent executions of a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleHistory,
}

func init() {
	f := scheduleAddCmd.Flags()
	f.String("template", "", "Template name (required)")
	f.String("name", "", "Display name")
	f.String("resource", "", "Resource override (default: template category)")
	f.Duration("interval", 0, "Interval trigger, e.g. 90m")
	f.String("cron", "", "Cron trigger, five fields or a descriptor like @daily")
	f.String("frequency", "", "Fixed trigger: daily, weekly, biweekly or monthly")
	f.Bool("manual", false, "Manual trigger, only runs through `schedule run`")
	f.Int("items", 1, "Items per run")
	f.Int("max-runs", 0, "Deactivate after this many runs (0 = unlimited)")
	f.StringArray("payload", nil, "Payload variable as key=value (repeatable)")
	_ = scheduleAddCmd.MarkFlagRequired("template")

	scheduleHistoryCmd.Flags().Int("limit", 10, "Number of executions to show")

	ScheduleCmd.AddCommand(scheduleAddCmd)
	ScheduleCmd.AddCommand(scheduleListCmd)
	ScheduleCmd.AddCommand(scheduleRunCmd)
	ScheduleCmd.AddCommand(scheduleRemoveCmd)
	ScheduleCmd.AddCommand(scheduleHistoryCmd)
}

// scheduleOptions are the parsed `schedule add` flags
type scheduleOptions struct {
	ID        string
	Name      string
	Template  string
	Resource  string
	Interval  time.Duration
	Cron      string
	Frequency string
	Manual    bool
	Items     int
	MaxRuns   int
	Payload   map[string]any
}

// record builds an active schedule whose first run is computed from now
func (o scheduleOptions) record(now time.Time) (*schedule.Record, error) {
	rec := &schedule.Record{
		ID:           o.ID,
		Name:         o.Name,
		TemplateName: o.Template,
		Resource:     o.Resource,
		ItemsPerRun:  o.Items,
		Payload:      o.Payload,
		IsActive:     true,
	}
	if rec.Name == "" {
		rec.Name = o.ID
	}
	if strings.TrimSpace(rec.Resource) != "" {
		rec.Resource = normalizeResource(rec.Resource)
	}
	if o.MaxRuns > 0 {
		maxRuns := o.MaxRuns
		rec.MaxRuns = &maxRuns
	}

	triggers := 0
	if o.Interval > 0 {
		triggers++
		rec.Trigger = schedule.TriggerInterval
		rec.IntervalSeconds = int(o.Interval / time.Second)
	}
	if o.Cron != "" {
		triggers++
		rec.Trigger = schedule.TriggerCron
		rec.CronExpr = o.Cron
	}
	if o.Frequency != "" {
		triggers++
		rec.Trigger = schedule.TriggerFixed
		rec.Frequency = schedule.Frequency(o.Frequency)
	}
	if o.Manual {
		triggers++
		rec.Trigger = schedule.TriggerManual
	}
	if triggers != 1 {
		return nil, errors.WithHint(errors.Newf("schedule %s needs exactly one trigger, got %d", o.ID, triggers),
			"pass one of --interval, --cron, --frequency or --manual")
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	next, err := schedule.NewClock().NextRun(rec, now)
	if err != nil {
		return nil, err
	}
	rec.NextRun = next
	return rec, nil
}

func runScheduleAdd(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	opts := scheduleOptions{ID: args[0]}
	opts.Template, _ = f.GetString("template")
	opts.Name, _ = f.GetString("name")
	opts.Resource, _ = f.GetString("resource")
	opts.Interval, _ = f.GetDuration("interval")
	opts.Cron, _ = f.GetString("cron")
	opts.Frequency, _ = f.GetString("frequency")
	opts.Manual, _ = f.GetBool("manual")
	opts.Items, _ = f.GetInt("items")
	opts.MaxRuns, _ = f.GetInt("max-runs")

	payloadFlags, _ := f.GetStringArray("payload")
	payload, err := parseVars(payloadFlags)
	if err != nil {
		return err
	}
	if len(payload) > 0 {
		opts.Payload = payload
	}

	rec, err := opts.record(time.Now())
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.schedules.Create(cmd.Context(), rec); err != nil {
		return err
	}
	pterm.Success.Printfln("Schedule %s created, next run %s", rec.ID, formatNextRun(rec.NextRun))
	return nil
}

func formatNextRun(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func triggerLabel(rec *schedule.Record) string {
	switch rec.Trigger {
	case schedule.TriggerInterval:
		return "every " + (time.Duration(rec.IntervalSeconds) * time.Second).String()
	case schedule.TriggerCron:
		return "cron " + rec.CronExpr
	case schedule.TriggerFixed:
		return string(rec.Frequency)
	default:
		return string(rec.Trigger)
	}
}

func scheduleTable(recs []*schedule.Record) pterm.TableData {
	data := pterm.TableData{{"ID", "Template", "Trigger", "Items", "Runs", "Active", "Next run"}}
	for _, rec := range recs {
		runs := strconv.Itoa(rec.RunCount)
		if rec.MaxRuns != nil {
			runs += "/" + strconv.Itoa(*rec.MaxRuns)
		}
		data = append(data, []string{
			rec.ID,
			rec.TemplateName,
			triggerLabel(rec),
			strconv.Itoa(rec.ItemsPerRun),
			runs,
			strconv.FormatBool(rec.IsActive),
			formatNextRun(rec.NextRun),
		})
	}
	return data
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	recs, err := a.schedules.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		pterm.Info.Println("No schedules")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(scheduleTable(recs)).Render()
}

func runScheduleRun(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.schedules.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	runner, err := a.runner()
	if err != nil {
		return err
	}

	result, err := runner.Run(cmd.Context(), rec)
	if err != nil {
		return err
	}
	pterm.Info.Println(schedule.SummaryMessage(rec, result))
	for _, e := range result.Errors {
		pterm.Warning.Println(e)
	}
	if result.Status == schedule.StatusFailed {
		return errors.Newf("schedule %s: %s", rec.ID, result.Error)
	}
	return nil
}

func runScheduleRemove(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.schedules.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	pterm.Success.Printfln("Schedule %s removed", args[0])
	return nil
}

func runScheduleHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	execs, total, err := schedule.NewExecutionStore(a.db).ListExecutions(cmd.Context(), args[0], limit, 0, "")
	if err != nil {
		return err
	}
	if total == 0 {
		pterm.Info.Printfln("Schedule %s has no executions", args[0])
		return nil
	}

	data := pterm.TableData{{"Started", "Status", "Created", "Duration", "Error"}}
	for _, e := range execs {
		duration, msg := "-", ""
		if e.DurationMs != nil {
			duration = (time.Duration(*e.DurationMs) * time.Millisecond).String()
		}
		if e.ErrorMessage != nil {
			msg = *e.ErrorMessage
		}
		data = append(data, []string{e.StartedAt, e.Status, strconv.Itoa(e.CreatedCount), duration, msg})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d of %d execution(s)\n", len(execs), total)
	return nil
}
