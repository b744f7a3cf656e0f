package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaypost/internal/apiclient"
	"github.com/agentworkforce/relaypost/internal/delivery"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

type options struct {
	baseURL string
	token   string
	timeout time.Duration
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "relaypostctl",
		Short:        "Manage relaypost identities and delivery jobs",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.baseURL, "base-url", envOrDefault("RELAYPOST_URL", "http://127.0.0.1:8080"), "relaypost base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", strings.TrimSpace(os.Getenv("RELAYPOST_TOKEN")), "bearer token")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	client := func() *apiclient.Client {
		return apiclient.New(opts.baseURL, opts.token, &http.Client{Timeout: opts.timeout})
	}

	root.AddCommand(
		enqueueCmd(client),
		jobsCmd(client),
		removeCmd(client),
		sweepCmd(client),
		identitiesCmd(client),
		activateCmd(client),
		exportCmd(client),
		importCmd(client),
	)
	return root
}

func enqueueCmd(client func() *apiclient.Client) *cobra.Command {
	var identityID, thread, bodyFile string
	cmd := &cobra.Command{
		Use:   "enqueue [body]",
		Short: "Queue a reply for delivery",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := ""
			switch {
			case bodyFile != "":
				raw, err := readInput(cmd, bodyFile)
				if err != nil {
					return err
				}
				body = string(raw)
			case len(args) == 1:
				body = args[0]
			default:
				return fmt.Errorf("reply body is required")
			}
			id, err := client().Enqueue(cmd.Context(), identityID, thread, body)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&identityID, "identity", "", "identity id to post as")
	cmd.Flags().StringVar(&thread, "thread", "", "thread path or URL")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "read the reply body from a file, - for stdin")
	_ = cmd.MarkFlagRequired("identity")
	_ = cmd.MarkFlagRequired("thread")
	return cmd
}

func jobsCmd(client func() *apiclient.Client) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List queued jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, err := client().ListJobs(cmd.Context(), delivery.State(status))
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tIDENTITY\tSTATUS\tRETRIES\tTHREAD\tREASON")
			for _, job := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", job.ID, job.IdentityID, job.State, job.RetryCount, job.ThreadTarget, job.FailureReason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only jobs in this status")
	return cmd
}

func removeCmd(client func() *apiclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job-id>",
		Short: "Remove a job that is not in flight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().RemoveJob(cmd.Context(), args[0])
		},
	}
}

func sweepCmd(client func() *apiclient.Client) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove old completed jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			removed, err := client().Sweep(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d\n", removed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum age; zero uses the server default")
	return cmd
}

func identitiesCmd(client func() *apiclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "identities",
		Short: "List stored identities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, err := client().ListIdentities(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "\tID\tLABEL\tSTATUS\tUSER")
			for _, id := range sortedKeys(state.Accounts) {
				snapshot := state.Accounts[id]
				marker := ""
				switch {
				case id == state.ActiveID:
					marker = "*"
				case id == state.PendingID:
					marker = "+"
				}
				user := ""
				if snapshot.Profile != nil {
					user = snapshot.Profile.ExternalUserID
				}
				status := string(snapshot.Status)
				if snapshot.IsResyncing {
					status += " (resyncing)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", marker, id, snapshot.DisplayLabel, status, user)
			}
			return tw.Flush()
		},
	}
}

func activateCmd(client func() *apiclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "activate <identity-id>",
		Short: "Switch the live environment to an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().Activate(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "active: %s\n", args[0])
			return nil
		},
	}
}

func exportCmd(client func() *apiclient.Client) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the account state blob",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			blob, err := client().Export(cmd.Context())
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(blob)
				return err
			}
			return os.WriteFile(output, blob, 0o600)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file, stdout when empty")
	return cmd
}

func importCmd(client func() *apiclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the account state with an exported blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			if !json.Valid(blob) {
				return fmt.Errorf("%s is not valid json", args[0])
			}
			if err := client().Import(cmd.Context(), blob); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "imported")
			return nil
		},
	}
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
