package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lakeops/opscore/internal/api"
)

type globalOptions struct {
	addr    string
	timeout time.Duration
	output  string
}

func rootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "opsctl",
		Short: "Operate the opscore coordinator",
		Long: `opsctl talks to a running opscore coordinator over gRPC.

Quick start:
  opsctl operations                                  # List catalogued operations
  opsctl trigger monitor_system_health -c project=acme -c branch=main
  opsctl approve vacuum_full -c project=acme -c branch=main -c table=events --approver alice
  opsctl status <run-id>`,
		SilenceUsage: true,
	}

	addr := os.Getenv("OPSCORE_ADDR")
	if addr == "" {
		addr = "localhost:50051"
	}
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", addr, "coordinator gRPC address")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "request timeout")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "output format: table or json")

	cmd.AddCommand(
		operationsCommand(opts),
		triggerCommand(opts),
		statusCommand(opts),
		decideCommand(opts, "approve", "approved"),
		decideCommand(opts, "deny", "denied"),
		alertCommand(opts),
		verdictCommand(opts),
		summaryCommand(opts),
	)
	return cmd
}

// call dials the coordinator, invokes method and closes the connection.
func call(cmd *cobra.Command, opts *globalOptions, method string, req map[string]any) (map[string]any, error) {
	client, err := api.Dial(opts.addr)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	return client.Call(ctx, method, req)
}

func operationsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "operations",
		Short: "List catalogued operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := call(cmd, opts, api.MethodListOperations, nil)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), out)
			}
			ops, _ := out["operations"].([]any)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "NAME\tOPERATOR\tRISK\tAPPROVAL\tSCHEDULE")
			fmt.Fprintln(w, "----\t--------\t----\t--------\t--------")
			for _, item := range ops {
				op, _ := item.(map[string]any)
				approval := "no"
				if b, _ := op["approval_required"].(bool); b {
					approval = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", op["name"], op["operator"], op["risk"], approval, text(op["schedule"]))
			}
			return w.Flush()
		},
	}
}

func triggerCommand(opts *globalOptions) *cobra.Command {
	var scope map[string]string
	cmd := &cobra.Command{
		Use:   "trigger NAME",
		Short: "Run an operation now",
		Long: `Run an operation for the given context and wait for its result.

High-risk operations return awaiting_approval until someone approves them;
run trigger again after the approval.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := call(cmd, opts, api.MethodTriggerOperation, map[string]any{
				"name":    args[0],
				"context": contextValue(scope),
			})
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), out)
			}
			result, _ := out["result"].(map[string]any)
			fmt.Fprintf(cmd.OutOrStdout(), "run %s: %s\n", text(result["id"]), text(result["outcome"]))
			if msg := text(result["error"]); msg != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "error: %s\n", msg)
			}
			if approval, ok := out["approval"].(map[string]any); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "approval %s pending for %s\n", text(approval["id"]), text(approval["context_key"]))
			}
			return nil
		},
	}
	cmd.Flags().StringToStringVarP(&scope, "context", "c", nil, "context entry key=value (repeatable)")
	return cmd
}

func statusCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status RUN_ID...",
		Short: "Show the status of one or more runs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]any, 0, len(args))
			for _, id := range args {
				ids = append(ids, id)
			}
			out, err := call(cmd, opts, api.MethodGetRunStatus, map[string]any{"ids": ids})
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), out)
			}
			statuses, _ := out["statuses"].([]any)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tOPERATION\tSTATE\tOUTCOME")
			fmt.Fprintln(w, "--\t---------\t-----\t-------")
			for _, item := range statuses {
				st, _ := item.(map[string]any)
				outcome := ""
				if res, ok := st["result"].(map[string]any); ok {
					outcome = text(res["outcome"])
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", text(st["id"]), text(st["operation"]), text(st["state"]), outcome)
			}
			return w.Flush()
		},
	}
}

func decideCommand(opts *globalOptions, use, decision string) *cobra.Command {
	var (
		scope    map[string]string
		approver string
	)
	cmd := &cobra.Command{
		Use:   use + " NAME",
		Short: fmt.Sprintf("Record an %s decision on a pending approval", decision),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := call(cmd, opts, api.MethodDecideApproval, map[string]any{
				"name":     args[0],
				"context":  contextValue(scope),
				"decision": decision,
				"approver": approver,
			})
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "approval %s %s by %s\n", text(out["id"]), text(out["decision"]), text(out["approver"]))
			return nil
		},
	}
	cmd.Flags().StringToStringVarP(&scope, "context", "c", nil, "context entry key=value (repeatable)")
	cmd.Flags().StringVar(&approver, "approver", os.Getenv("USER"), "who is deciding")
	return cmd
}

func alertCommand(opts *globalOptions) *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "alert METRIC",
		Short: "Show the alert state of a metric",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := call(cmd, opts, api.MethodGetAlertState, map[string]any{"metric": args[0], "scope": scope})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "project or project/branch")
	return cmd
}

func verdictCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verdict SOURCE_TABLE TARGET_TABLE",
		Short: "Show the latest drift verdict for a table pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := call(cmd, opts, api.MethodGetValidationVerdict, map[string]any{"source": args[0], "target": args[1]})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func summaryCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show run, approval and alert totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := call(cmd, opts, api.MethodGetSummary, nil)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), out)
			}
			operators, _ := out["operators"].(map[string]any)
			names := make([]string, 0, len(operators))
			for name := range operators {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "OPERATOR\tOUTCOMES")
			for _, name := range names {
				counts, _ := operators[name].(map[string]any)
				parts := make([]string, 0, len(counts))
				for outcome, n := range counts {
					parts = append(parts, fmt.Sprintf("%s=%v", outcome, n))
				}
				sort.Strings(parts)
				fmt.Fprintf(w, "%s\t%s\n", name, strings.Join(parts, " "))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			approvals, _ := out["open_approvals"].([]any)
			alerts, _ := out["active_alerts"].([]any)
			fmt.Fprintf(cmd.OutOrStdout(), "\nopen approvals: %d\nactive alerts: %d\n", len(approvals), len(alerts))
			return nil
		},
	}
}

func contextValue(scope map[string]string) map[string]any {
	out := make(map[string]any, len(scope))
	for k, v := range scope {
		out[k] = v
	}
	return out
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func text(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
