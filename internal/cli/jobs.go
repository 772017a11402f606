package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"jobrunner/internal/job"
)

func newSubmitCmd(cfgPath *string) *cobra.Command {
	var (
		name     string
		priority string
		timeout  time.Duration
		retries  int
		tags     []string
		params   string
	)
	cmd := &cobra.Command{
		Use:   "submit <command>",
		Short: "Persist a job for the runner to pick up",
		Long: `Persist a job for the runner to pick up.

The command may be a shell line ("echo hi"), a URL ("http://host/path"),
or a registered function ("func:name"). A running instance picks the job
up on its next recovery; otherwise it runs on the next "jobrunner run".`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore(*cfgPath)
			if err != nil {
				return err
			}
			defer store.Close()

			command := strings.Join(args, " ")
			if name == "" {
				name = command
			}

			opts := []job.Option{job.WithMaxRetries(retries)}
			if priority != "" {
				p, err := job.ParsePriority(priority)
				if err != nil {
					return err
				}
				opts = append(opts, job.WithPriority(p))
			}
			if timeout > 0 {
				opts = append(opts, job.WithTimeout(timeout))
			}
			if len(tags) > 0 {
				opts = append(opts, job.WithTags(tags...))
			}
			if params != "" {
				var p map[string]any
				if err := json.Unmarshal([]byte(params), &p); err != nil {
					return fmt.Errorf("invalid --params JSON: %w", err)
				}
				opts = append(opts, job.WithParameters(p))
			}

			j, err := job.New(name, command, opts...)
			if err != nil {
				return err
			}
			if !store.Save(j) {
				return fmt.Errorf("could not persist job")
			}
			fmt.Fprintln(cmd.OutOrStdout(), j.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "job name (defaults to the command)")
	cmd.Flags().StringVar(&priority, "priority", "", "low, normal, high, or urgent")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "execution timeout (e.g. 30s, 5m)")
	cmd.Flags().IntVar(&retries, "retries", job.DefaultMaxRetries, "max retry attempts")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag to attach (repeatable)")
	cmd.Flags().StringVar(&params, "params", "", "parameters as a JSON object")
	return cmd
}

func newListCmd(cfgPath *string) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore(*cfgPath)
			if err != nil {
				return err
			}
			defer store.Close()

			var filter job.Status
			if status != "" {
				if filter, err = job.ParseStatus(status); err != nil {
					return err
				}
			}
			jobs := store.List(filter, limit)
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no jobs")
				return nil
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-36s  %-9s  %-8s  %-19s  %s\n", "ID", "STATUS", "PRIORITY", "CREATED", "NAME")
			for _, j := range jobs {
				fmt.Fprintf(w, "%-36s  %-9s  %-8s  %-19s  %s\n",
					j.ID, j.Status, j.Priority, j.CreatedAt.Format("2006-01-02 15:04:05"), j.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max jobs to show (0 for all)")
	return cmd
}

func newGetCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore(*cfgPath)
			if err != nil {
				return err
			}
			defer store.Close()

			j := store.Get(args[0])
			if j == nil {
				return fmt.Errorf("job %s not found", args[0])
			}
			printJob(cmd.OutOrStdout(), j)
			return nil
		},
	}
}

func printJob(w io.Writer, j *job.Job) {
	fmt.Fprintf(w, "id:          %s\n", j.ID)
	fmt.Fprintf(w, "name:        %s\n", j.Name)
	fmt.Fprintf(w, "command:     %s\n", j.Command)
	fmt.Fprintf(w, "status:      %s\n", j.Status)
	fmt.Fprintf(w, "priority:    %s\n", j.Priority)
	fmt.Fprintf(w, "retries:     %d/%d\n", j.RetryCount, j.MaxRetries)
	if j.Timeout > 0 {
		fmt.Fprintf(w, "timeout:     %s\n", j.Timeout)
	}
	if len(j.Tags) > 0 {
		fmt.Fprintf(w, "tags:        %s\n", strings.Join(j.Tags, ", "))
	}
	fmt.Fprintf(w, "created:     %s\n", j.CreatedAt.Format(time.RFC3339))
	if !j.ScheduledAt.IsZero() {
		fmt.Fprintf(w, "scheduled:   %s\n", j.ScheduledAt.Format(time.RFC3339))
	}
	if !j.StartedAt.IsZero() {
		fmt.Fprintf(w, "started:     %s\n", j.StartedAt.Format(time.RFC3339))
	}
	if !j.CompletedAt.IsZero() {
		fmt.Fprintf(w, "completed:   %s\n", j.CompletedAt.Format(time.RFC3339))
	}
	if j.ErrorMessage != "" {
		fmt.Fprintf(w, "error:       %s\n", j.ErrorMessage)
	}
	if len(j.Parameters) > 0 {
		if b, err := json.MarshalIndent(j.Parameters, "", "  "); err == nil {
			fmt.Fprintf(w, "parameters:  %s\n", b)
		}
	}
	if len(j.Result) > 0 {
		if b, err := json.MarshalIndent(j.Result, "", "  "); err == nil {
			fmt.Fprintf(w, "result:      %s\n", b)
		}
	}
}

func newCancelCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Mark a stored job cancelled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore(*cfgPath)
			if err != nil {
				return err
			}
			defer store.Close()

			j := store.Get(args[0])
			if j == nil {
				return fmt.Errorf("job %s not found", args[0])
			}
			if j.Status.Terminal() {
				return fmt.Errorf("job %s already %s", args[0], j.Status)
			}
			j.MarkCancelled()
			if !store.Update(j) {
				return fmt.Errorf("could not persist cancellation")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s cancelled\n", args[0])
			return nil
		},
	}
}
