package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/forge/internal/client"
	"github.com/dreamware/forge/internal/coordinator"
	"github.com/dreamware/forge/internal/scheduler"
)

const defaultAPIURL = "http://127.0.0.1:7879"

// apiFlags are shared by the commands that talk to a running coordinator.
type apiFlags struct {
	url   string
	token string
}

func (a *apiFlags) register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&a.url, "api-url", getenv("FORGE_API_URL", defaultAPIURL), "coordinator API base URL")
	pf.StringVar(&a.token, "token", os.Getenv("FORGE_API_TOKEN"), "bearer token for the API")
}

func (a *apiFlags) client() (*client.Client, error) {
	return client.New(a.url, a.token)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func newBuildCmd() *cobra.Command {
	var api apiFlags
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Submit and inspect builds on a running coordinator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	api.register(cmd)
	cmd.AddCommand(newBuildSubmitCmd(&api), newBuildStatusCmd(&api), newBuildCancelCmd(&api), newBuildListCmd(&api))
	return cmd
}

// readBuildFile parses a build description. YAML and JSON are both accepted;
// keys use the same names as the JSON API.
func readBuildFile(path string) (coordinator.BuildRequest, error) {
	var req coordinator.BuildRequest
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return req, err
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return req, fmt.Errorf("parse %s: %w", path, err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return req, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("parse %s: %w", path, err)
	}
	if req.Project == "" {
		return req, fmt.Errorf("%s: project is required", path)
	}
	return req, nil
}

func newBuildSubmitCmd(api *apiFlags) *cobra.Command {
	var (
		file    string
		wait    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a build described in a YAML or JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := readBuildFile(file)
			if err != nil {
				return err
			}
			cl, err := api.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			b, err := cl.SubmitBuild(ctx, req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "build %s submitted: %d jobs, %d cached\n", b.ID, b.Total, b.Cached)
			if !wait {
				return nil
			}
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			b, err = cl.WaitBuild(ctx, b.ID, time.Second)
			if err != nil {
				return err
			}
			printBuild(out, b)
			if b.State != scheduler.BuildCompleted {
				return fmt.Errorf("build %s %s", b.ID, b.State)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&file, "file", "f", "", "build description, - for stdin")
	f.BoolVar(&wait, "wait", false, "poll until the build finishes")
	f.DurationVar(&timeout, "timeout", 0, "give up waiting after this long")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newBuildStatusCmd(api *apiFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <build-id>",
		Short: "Show a build and its jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := api.client()
			if err != nil {
				return err
			}
			st, err := cl.Build(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printBuild(out, &st.Build)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB\tTYPE\tSTATE\tWORKER\tRETRIES\tERROR")
			for _, j := range st.Jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					j.ID, j.Spec.Type, j.State, j.WorkerID, j.RetryCount, j.LastError)
			}
			return tw.Flush()
		},
	}
}

func newBuildCancelCmd(api *apiFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <build-id>",
		Short: "Cancel a build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := api.client()
			if err != nil {
				return err
			}
			b, err := cl.CancelBuild(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printBuild(cmd.OutOrStdout(), b)
			return nil
		},
	}
}

func newBuildListCmd(api *apiFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List builds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := api.client()
			if err != nil {
				return err
			}
			builds, err := cl.Builds(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPROJECT\tSTATE\tPROGRESS\tJOBS\tCACHED")
			for _, b := range builds {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f%%\t%d/%d\t%d\n",
					b.ID, b.ProjectName, b.State, b.Progress, b.Completed, b.Total, b.Cached)
			}
			return tw.Flush()
		},
	}
}

func printBuild(w io.Writer, b *scheduler.Build) {
	fmt.Fprintf(w, "build %s (%s): %s, %d/%d completed, %d failed, %d cached\n",
		b.ID, b.ProjectName, b.State, b.Completed, b.Total, b.Failed, b.Cached)
}

func newWorkersCmd() *cobra.Command {
	var api apiFlags
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List registered workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := api.client()
			if err != nil {
				return err
			}
			workers, err := cl.Workers(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTATE\tJOBS\tHEALTH\tCAPABILITIES")
			for _, w := range workers {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%.2f\t%s\n",
					w.ID, w.Name, w.State, w.ActiveJobs, w.MaxJobs, w.HealthScore,
					strings.Join(w.Capabilities.Names(), ","))
			}
			return tw.Flush()
		},
	}
	api.register(cmd)

	drain := func(use, short string, on bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <worker-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cl, err := api.client()
				if err != nil {
					return err
				}
				w, err := cl.Drain(cmd.Context(), args[0], on)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", w.ID, w.State)
				return nil
			},
		}
	}
	cmd.AddCommand(
		drain("drain", "Stop placing new jobs on a worker", true),
		drain("undrain", "Resume placing jobs on a worker", false),
	)
	return cmd
}
