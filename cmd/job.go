package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/intelmercado/enrich-cli/internal/batch"
	"github.com/intelmercado/enrich-cli/internal/model"
	"github.com/intelmercado/enrich-cli/internal/store"
)

var (
	jobWorkset   string
	jobWorkspace string
	jobStatus    string
	jobLimit     int
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage batch enrichment jobs",
}

var jobCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a pending job from a work-set file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if jobWorkset == "" {
			return eris.New("--workset is required")
		}

		ws, err := batch.LoadWorkSet(jobWorkset)
		if err != nil {
			return err
		}

		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Manager.CreateJob(cmd.Context(), ws, jobWorkset)
		if err != nil {
			return err
		}

		fmt.Println(job.ID)
		return nil
	},
}

var jobStartCmd = &cobra.Command{
	Use:   "start <job-id>",
	Short: "Run a pending job (blocks; SIGINT pauses it resumably)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, args[0], false)
	},
}

var jobResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a paused job from its last checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, args[0], true)
	},
}

// runJob drives a job synchronously. The work set is reloaded from the path
// recorded at creation so a resume sees the identical item order.
func runJob(cmd *cobra.Command, jobID string, resume bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, err := initEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	job, err := env.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	ws, err := batch.LoadWorkSet(job.WorkSetRef)
	if err != nil {
		return err
	}

	if resume {
		return env.Manager.Resume(ctx, jobID, ws)
	}
	return env.Manager.Start(ctx, jobID, ws)
}

var jobPauseCmd = &cobra.Command{
	Use:   "pause <job-id>",
	Short: "Request a cooperative pause of a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()
		return env.Manager.Pause(cmd.Context(), args[0])
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running or paused job (terminal)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()
		return env.Manager.Cancel(cmd.Context(), args[0])
	},
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show job progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		progress, err := env.Manager.Progress(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(progress)
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		jobs, err := env.Manager.List(cmd.Context(), store.JobFilter{
			WorkspaceID: jobWorkspace,
			Status:      model.JobStatus(jobStatus),
			Limit:       jobLimit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPROCESSED\tTOTAL\tOK\tFAILED\tCREATED")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
				j.ID, j.Status, j.ProcessedItems, j.TotalItems,
				j.SuccessCount, j.FailureCount, j.CreatedAt.Format("2006-01-02 15:04"),
			)
		}
		if err := w.Flush(); err != nil {
			zap.L().Warn("flush job table", zap.Error(err))
		}
		return nil
	},
}

func init() {
	jobCreateCmd.Flags().StringVar(&jobWorkset, "workset", "", "path to work-set YAML file")
	jobListCmd.Flags().StringVar(&jobWorkspace, "workspace", "", "filter by workspace")
	jobListCmd.Flags().StringVar(&jobStatus, "status", "", "filter by status")
	jobListCmd.Flags().IntVar(&jobLimit, "limit", 50, "max jobs to list")

	jobCmd.AddCommand(jobCreateCmd, jobStartCmd, jobResumeCmd, jobPauseCmd, jobCancelCmd, jobStatusCmd, jobListCmd)
	rootCmd.AddCommand(jobCmd)
}
