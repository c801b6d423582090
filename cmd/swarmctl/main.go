// swarmctl is the operator CLI for a running swarmnoded agent. It speaks
// the agent's local control API and prints JSON responses.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	baseURL string
	client  = &http.Client{Timeout: 10 * time.Second}
)

func main() {
	root := &cobra.Command{
		Use:           "swarmctl",
		Short:         "control a running swarmuii node agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&baseURL, "addr", "http://localhost:7520", "control api address")

	root.AddCommand(
		statusCmd(),
		registerCmd(),
		startCmd(),
		stopCmd(),
		tasksCmd(),
		claimCmd(),
		generateCmd(),
		autoCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show node state, session uptime, and remaining allowance",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(http.MethodGet, "/status", nil)
			return err
		},
	}
}

func registerCmd() *cobra.Command {
	var (
		tier     string
		name     string
		cpu      string
		gpu      string
		memoryGB int
	)
	cmd := &cobra.Command{
		Use:   "register NODE_ID",
		Short: "register the node's hardware identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(http.MethodPost, "/register", map[string]any{
				"node_id":       args[0],
				"hardware_tier": tier,
				"name":          name,
				"cpu":           cpu,
				"gpu":           gpu,
				"memory_gb":     memoryGB,
			})
			return err
		},
	}
	cmd.Flags().StringVar(&tier, "tier", "cpu", "hardware tier (webgpu|wasm|webgl|cpu)")
	cmd.Flags().StringVar(&name, "name", "", "device display name")
	cmd.Flags().StringVar(&cpu, "cpu", "", "cpu model")
	cmd.Flags().StringVar(&gpu, "gpu", "", "gpu model")
	cmd.Flags().IntVar(&memoryGB, "memory", 0, "memory in GB")
	return cmd
}

func startCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start the device session",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := call(http.MethodPost, "/start", map[string]bool{"force": force})
			if err != nil {
				return err
			}
			if code == http.StatusConflict && !force {
				fmt.Fprintln(os.Stderr, "another session owns this device; rerun with --force to take over")
				os.Exit(2)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "take the device over from its current owner")
	return cmd
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "stop the device session",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(http.MethodPost, "/stop", nil)
			return err
		},
	}
}

func tasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "list tasks with statuses and the unclaimed reward total",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(http.MethodGet, "/tasks", nil)
			return err
		},
	}
}

func claimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim",
		Short: "claim completed tasks into the claimed total",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(http.MethodPost, "/rewards/claim", nil)
			return err
		},
	}
}

func generateCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "queue extra tasks immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(http.MethodPost, "/tasks/generate", map[string]int{"count": count})
			return err
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "number of tasks to queue")
	return cmd
}

func autoCmd() *cobra.Command {
	var enabled bool
	cmd := &cobra.Command{
		Use:   "auto",
		Short: "toggle automatic task generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(http.MethodPost, "/tasks/auto", map[string]bool{"enabled": enabled})
			return err
		},
	}
	cmd.Flags().BoolVar(&enabled, "enabled", true, "generate tasks automatically each cycle")
	return cmd
}

// call performs the request and pretty-prints the JSON response. Non-2xx
// responses are still printed (the body carries the reason) and the
// status code is returned for command-level handling.
func call(method, path string, payload any) (int, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, baseURL+path, body)
	if err != nil {
		return 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("agent unreachable at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}
	return resp.StatusCode, nil
}
