package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"livingrosary.org/internal/schedule"
)

type dayReport struct {
	Date             string    `json:"date"`
	Location         string    `json:"location"`
	FirstSunday      bool      `json:"first_sunday"`
	MonthFirstSunday time.Time `json:"first_sunday_of_month"`
	NextRun          time.Time `json:"next_run"`
	Ran              bool      `json:"ran,omitempty"`
}

// NewScheduleCommand creates the schedule command group.
func NewScheduleCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect or drive the first-Sunday schedule",
	}

	var date string
	check := &cobra.Command{
		Use:   "check",
		Short: "Report whether a date is a rotation day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openConfig(rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()
			at, err := parseDay(date, e.cfg.Location(), e.now)
			if err != nil {
				return err
			}
			rep := reportFor(at, e.cfg.Schedule.RunHour)
			return emit(cmd, rootOpts, rep, func(w io.Writer) { printDay(w, rep) })
		},
	}
	check.Flags().StringVar(&date, "date", "", "day to check as YYYY-MM-DD (default today in the configured zone)")
	cmd.AddCommand(check)

	cmd.AddCommand(&cobra.Command{
		Use:   "next",
		Short: "Print the next scheduled rotation",
		Long: `Print when the configured recurrence spec next fires on a first Sunday.
With an unusable spec the service polls, so the first Sunday at the run hour
is printed instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openConfig(rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()
			now := e.now().In(e.cfg.Location())
			next := schedule.NextFirstSunday(now, e.cfg.Schedule.RunHour)
			if sched, err := schedule.ValidateSpec(e.cfg.Schedule.Spec); err == nil {
				next = schedule.NextScheduledRun(sched, now)
			}
			return emit(cmd, rootOpts, map[string]any{"next_run": next}, func(w io.Writer) {
				fmt.Fprintln(w, next.Format(time.RFC3339))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "run-due",
		Short: "Rotate now if today is the first Sunday and no run is recorded",
		Long: `Run the scheduled rotation if it is due. Intended for an external scheduler
such as a crontab entry; it consults the same run ledger as the service, so
it never rotates twice on one day.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()
			now := e.now().In(e.cfg.Location())
			ran, err := e.trigger(e.rotator()).Check(cmd.Context(), "cli")
			if err != nil {
				return err
			}
			rep := reportFor(now, e.cfg.Schedule.RunHour)
			rep.Ran = ran
			return emit(cmd, rootOpts, rep, func(w io.Writer) {
				if ran {
					fmt.Fprintln(w, "rotation completed for", rep.Date)
					return
				}
				fmt.Fprintln(w, "no rotation due; next run", rep.NextRun.Format(time.RFC3339))
			})
		},
	})

	return cmd
}

func parseDay(s string, loc *time.Location, now func() time.Time) (time.Time, error) {
	if s == "" {
		return now().In(loc), nil
	}
	t, err := time.ParseInLocation(schedule.DayLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("--date: %w", err)
	}
	return t, nil
}

func reportFor(at time.Time, runHour int) dayReport {
	return dayReport{
		Date:             schedule.DayKey(at),
		Location:         at.Location().String(),
		FirstSunday:      schedule.IsFirstSundayOfMonth(at),
		MonthFirstSunday: schedule.FirstSundayOfMonth(at.Year(), at.Month(), at.Location()),
		NextRun:          schedule.NextFirstSunday(at, runHour),
	}
}

func printDay(w io.Writer, r dayReport) {
	verdict := "is not"
	if r.FirstSunday {
		verdict = "is"
	}
	fmt.Fprintf(w, "%s %s a rotation day (%s)\n", r.Date, verdict, r.Location)
	fmt.Fprintf(w, "first Sunday of that month: %s\n", r.MonthFirstSunday.Format(schedule.DayLayout))
	fmt.Fprintf(w, "next run: %s\n", r.NextRun.Format(time.RFC3339))
}
