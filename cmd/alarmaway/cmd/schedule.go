package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"alarmaway/internal/app"
	"alarmaway/internal/domain"
	"alarmaway/internal/schedule"
)

var (
	scheduleTime string
	scheduleTZ   string
	scheduleNow  string
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Preview the escalation for an alarm time.",
	Long: `Prints when each call and text of the configured escalation would fire
for the next occurrence of --time. --time is read in --tz (default UTC).`,
	Example: "  alarmaway schedule --time 07:00 --tz Europe/Berlin",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}
		plan, err := app.EscalationPlan(cfg)
		if err != nil {
			return err
		}
		loc := time.UTC
		if tz := strings.TrimSpace(scheduleTZ); tz != "" {
			if loc, err = time.LoadLocation(tz); err != nil {
				return fmt.Errorf("--tz: %w", err)
			}
		}
		now := time.Now()
		if s := strings.TrimSpace(scheduleNow); s != "" {
			if now, err = time.Parse(time.RFC3339, s); err != nil {
				return fmt.Errorf("--now: %w", err)
			}
		}
		tod, err := domain.TimeOfDayFromLocal(scheduleTime, loc, now)
		if err != nil {
			return err
		}
		printSchedule(cmd.OutOrStdout(), plan, tod, now, loc)
		return nil
	},
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	scheduleCmd.Flags().StringVarP(&scheduleTime, "time", "t", "", "alarm time of day, HH:MM")
	scheduleCmd.Flags().StringVar(&scheduleTZ, "tz", "", "IANA timezone --time is given in")
	scheduleCmd.Flags().StringVar(&scheduleNow, "now", "", "reference instant (RFC3339), default is the current time")
	_ = scheduleCmd.MarkFlagRequired("time")
}

func printSchedule(w io.Writer, plan schedule.Plan, tod domain.TimeOfDay, now time.Time, loc *time.Location) {
	bold := color.New(color.Bold)
	callC := color.New(color.FgCyan)
	textC := color.New(color.FgYellow)

	slots := plan.Compute(tod, now)
	_, _ = bold.Fprintf(w, "alarm %s UTC (%s %s), %d steps over %s\n",
		tod, tod.InZone(loc, now), loc, len(slots), plan.Duration())
	for _, s := range slots {
		kind := callC.Sprint("call")
		detail := ""
		if s.Step.Kind == domain.StepText {
			kind = textC.Sprint("text")
			detail = fmt.Sprintf(" %q", s.Step.Body)
		}
		fmt.Fprintf(w, "  #%d %s  %s  (%s, expires %s)%s\n",
			s.Index,
			kind,
			s.FireAt.In(loc).Format("Mon 15:04:05"),
			humanize.RelTime(s.FireAt, now, "ago", "from now"),
			s.ExpiresAt.In(loc).Format("15:04:05"),
			detail,
		)
	}
}
