package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/marcus-qen/llmctl/internal/flowchart"
)

func newApplyCmd(cfg *cliConfig) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "apply -f flowchart.yaml",
		Short: "Validate and upload a flowchart definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}

			// Validate locally before the round trip so authoring errors
			// come back with file context instead of a 422.
			def, err := flowchart.ParseYAML(data)
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
			if _, err := flowchart.Compile(def); err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}

			client := newAPIClient(cfg)
			var resp map[string]any
			if err := client.do(cmd.Context(), "POST", "/api/v1/flowcharts", "application/yaml", data, &resp); err != nil {
				return err
			}
			if cfg.jsonOut {
				return printJSON(resp)
			}
			fmt.Printf("flowchart %s applied\n", def.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "flowchart YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newRunCmd(cfg *cliConfig) *cobra.Command {
	var requestID, correlationID string

	cmd := &cobra.Command{
		Use:   "run <flowchart-id>",
		Short: "Trigger a run of a flowchart",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(cfg)
			body := map[string]any{"flowchart_id": args[0]}
			if requestID != "" {
				body["request_id"] = requestID
			}
			if correlationID != "" {
				body["correlation_id"] = correlationID
			}
			var resp map[string]any
			if err := client.postJSON(cmd.Context(), "/api/v1/runs", body, &resp); err != nil {
				return err
			}
			if cfg.jsonOut {
				return printJSON(resp)
			}
			fmt.Printf("run %v %v\n", resp["id"], resp["status"])
			return nil
		},
	}
	cmd.Flags().StringVar(&requestID, "request-id", "", "idempotency key; retries with the same key return the original run")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "correlation id threaded through events and audit entries")
	return cmd
}

func newGetCmd(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run and its node states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(cfg)

			var run map[string]any
			if err := client.getJSON(cmd.Context(), "/api/v1/runs/"+args[0], &run); err != nil {
				return err
			}
			var nodes struct {
				Nodes []map[string]any `json:"nodes"`
			}
			if err := client.getJSON(cmd.Context(), "/api/v1/runs/"+args[0]+"/nodes", &nodes); err != nil {
				return err
			}

			if cfg.jsonOut {
				return printJSON(map[string]any{"run": run, "nodes": nodes.Nodes})
			}

			fmt.Printf("run %v\n  flowchart: %v\n  status:    %v\n  trigger:   %v\n",
				run["id"], run["flowchart_id"], run["status"], run["trigger_kind"])

			tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NODE\tTYPE\tSTATUS\tDISPATCH\tATTEMPT")
			for _, n := range nodes.Nodes {
				fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%v\n",
					n["node_id"], n["node_type"], n["status"], n["dispatch_status"], n["attempt_index"])
			}
			return tw.Flush()
		},
	}
}

func newStopCmd(cfg *cliConfig) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "stop <run-id>",
		Short: "Stop a run (graceful by default)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(cfg)
			var resp map[string]any
			err := client.postJSON(cmd.Context(), "/api/v1/runs/"+args[0]+"/stop",
				map[string]any{"force": force}, &resp)
			if err != nil {
				return err
			}
			if cfg.jsonOut {
				return printJSON(resp)
			}
			fmt.Printf("run %s stopping (force=%t)\n", args[0], force)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "kill dispatched jobs instead of draining them")
	return cmd
}
