package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanobot/internal/cron"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
		Long: `Manage scheduled jobs in the cron store.

Changes take effect when the gateway (re)starts; a running gateway keeps
its loaded schedule.`,
	}
	cmd.AddCommand(cronListCmd(), cronAddCmd(), cronRemoveCmd(), cronEnableCmd(true), cronEnableCmd(false), cronRunCmd())
	return cmd
}

func openCronStore() *cron.Store {
	cfg := loadConfigOrExit()
	return cron.NewStore(cfg.CronStorePath())
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		Run: func(cmd *cobra.Command, args []string) {
			jobs, err := openCronStore().Load()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs scheduled.")
				return
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tKIND\tSCHEDULE\tENABLED\tNEXT RUN\tLAST STATUS")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
					j.ID, j.Name, j.Kind, describeSchedule(j.Schedule),
					j.Enabled, formatMS(j.State.NextRunMS), j.State.LastStatus)
			}
			w.Flush()
		},
	}
}

func cronAddCmd() *cobra.Command {
	var (
		name     string
		kind     string
		cronExpr string
		every    time.Duration
		at       string
		message  string
		deliver  bool
		channel  string
		to       string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled job",
		Long: `Add a scheduled job.

Examples:
  nanobot cron add --name standup --cron "0 9 * * 1-5" --message "Summarize my inbox" --deliver --channel telegram --to 12345
  nanobot cron add --name water --every 2h --kind reminder --message "Drink water" --channel telegram --to 12345
  nanobot cron add --name oneshot --at 2026-09-01T09:00:00Z --message "Ping me about the renewal"`,
		Run: func(cmd *cobra.Command, args []string) {
			sched, err := buildSchedule(cronExpr, every, at)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if message == "" {
				fmt.Fprintln(os.Stderr, "Error: --message is required")
				os.Exit(1)
			}
			if kind != string(cron.KindTask) && kind != string(cron.KindReminder) {
				fmt.Fprintf(os.Stderr, "Error: unknown kind %q (task or reminder)\n", kind)
				os.Exit(1)
			}
			// Reminders always deliver somewhere.
			if kind == string(cron.KindReminder) && (channel == "" || to == "") {
				fmt.Fprintln(os.Stderr, "Error: reminders need --channel and --to")
				os.Exit(1)
			}

			job := cron.Job{
				ID:       uuid.NewString()[:8],
				Name:     name,
				Kind:     cron.JobKind(kind),
				Schedule: sched,
				Message:  message,
				Deliver:  deliver || kind == string(cron.KindReminder),
				Channel:  channel,
				To:       to,
				Enabled:  true,
			}
			if job.Name == "" {
				job.Name = job.ID
			}

			st := openCronStore()
			jobs, err := st.Load()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			jobs = append(jobs, job)
			if err := st.Save(jobs); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Added job %s (%s): %s\n", job.ID, job.Name, describeSchedule(sched))
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "job name")
	cmd.Flags().StringVar(&kind, "kind", "task", "job kind: task or reminder")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "crontab expression, e.g. \"0 9 * * *\"")
	cmd.Flags().DurationVar(&every, "every", 0, "fixed interval, e.g. 2h30m")
	cmd.Flags().StringVar(&at, "at", "", "one-shot time (RFC 3339)")
	cmd.Flags().StringVar(&message, "message", "", "message the job runs or delivers")
	cmd.Flags().BoolVar(&deliver, "deliver", false, "deliver the task reply to --channel/--to")
	cmd.Flags().StringVar(&channel, "channel", "", "delivery channel")
	cmd.Flags().StringVar(&to, "to", "", "delivery chat id")

	return cmd
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			mutateJob(args[0], func(jobs []cron.Job, i int) []cron.Job {
				return append(jobs[:i], jobs[i+1:]...)
			})
			fmt.Printf("Removed job %s\n", args[0])
		},
	}
}

func cronEnableCmd(enable bool) *cobra.Command {
	verb := "enable"
	short := "Enable a job"
	if !enable {
		verb = "disable"
		short = "Disable a job"
	}
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			mutateJob(args[0], func(jobs []cron.Job, i int) []cron.Job {
				jobs[i].Enabled = enable
				if enable {
					// Force a fresh next-run computation at gateway start.
					jobs[i].State.NextRunMS = 0
				}
				return jobs
			})
			fmt.Printf("Job %s %sd\n", args[0], verb)
		},
	}
}

func mutateJob(id string, mutate func(jobs []cron.Job, i int) []cron.Job) {
	st := openCronStore()
	jobs, err := st.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	for i := range jobs {
		if jobs[i].ID == id {
			if err := st.Save(mutate(jobs, i)); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}
	fmt.Fprintf(os.Stderr, "Error: no job with id %s\n", id)
	os.Exit(1)
}

func cronRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Run a job immediately, ignoring its schedule",
		Run: func(cmd *cobra.Command, args []string) {
			runCronJobNow(args[0])
		},
		Args: cobra.ExactArgs(1),
	}
}

func runCronJobNow(id string) {
	setupLogging()
	cfg := loadConfigOrExit()
	st := cron.NewStore(cfg.CronStorePath())
	jobs, err := st.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var job *cron.Job
	for i := range jobs {
		if jobs[i].ID == id {
			job = &jobs[i]
			break
		}
	}
	if job == nil {
		fmt.Fprintf(os.Stderr, "Error: no job with id %s\n", id)
		os.Exit(1)
	}

	status := "ok"
	switch job.Kind {
	case cron.KindReminder:
		fmt.Println(job.Message)
	default:
		loop, cleanup, buildErr := buildDirectLoop(cfg)
		if buildErr != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", buildErr)
			os.Exit(1)
		}
		defer cleanup()
		reply, runErr := loop.ProcessDirect(context.Background(), job.Message, "cron:"+job.ID)
		if runErr != nil {
			status = "error"
			job.State.LastError = runErr.Error()
			fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		} else {
			fmt.Println(reply)
		}
	}

	job.State.LastRunMS = time.Now().UnixMilli()
	job.State.LastStatus = status
	if err := st.Save(jobs); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not record run: %v\n", err)
	}
}

func buildSchedule(cronExpr string, every time.Duration, at string) (cron.Schedule, error) {
	var sched cron.Schedule
	switch {
	case cronExpr != "":
		sched = cron.Schedule{Kind: cron.ScheduleCron, Expr: cronExpr}
	case every > 0:
		sched = cron.Schedule{Kind: cron.ScheduleEvery, EveryMS: every.Milliseconds()}
	case at != "":
		ts, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("parse --at: %w", err)
		}
		sched = cron.Schedule{Kind: cron.ScheduleAt, AtMS: ts.UnixMilli()}
	default:
		return cron.Schedule{}, fmt.Errorf("one of --cron, --every or --at is required")
	}
	return sched, cron.ValidateSchedule(sched)
}

func describeSchedule(s cron.Schedule) string {
	switch s.Kind {
	case cron.ScheduleCron:
		return s.Expr
	case cron.ScheduleEvery:
		return "every " + (time.Duration(s.EveryMS) * time.Millisecond).String()
	case cron.ScheduleAt:
		return "at " + formatMS(s.AtMS)
	}
	return string(s.Kind)
}

func formatMS(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}
