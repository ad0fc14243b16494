// Package main implements the mcpctl CLI for manual operations against a
// running mcphoenixd host.
package main

import (
	"bufio"
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
	// serverURL is the base URL for the mcphoenixd host
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mcpctl",
	Short: "CLI for mcphoenixd host operations",
	Long: `mcpctl is a command-line interface for interacting with a running
mcphoenixd host. It can check health, invoke tools, and follow the SSE
notification stream.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8420", "mcphoenixd server URL")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(streamCmd)
}

// healthCmd checks host health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check mcphoenixd host health",
	Long: `Check the health status of the mcphoenixd host, including
per-backend lifecycle states.

Examples:
  # Check health
  mcpctl health

  # Check health on a different host
  mcpctl health --server http://localhost:9000`,
	RunE: runHealth,
}

var (
	callServerID string
	callParams   string
)

// callCmd invokes a tool through the RPC endpoint
var callCmd = &cobra.Command{
	Use:   "call <tool>",
	Short: "Invoke a tool on the host",
	Long: `Invoke a tool through the host's JSON-RPC endpoint.

Examples:
  # Built-in echo
  mcpctl call echo --params '{"message":"hi"}'

  # Route to a specific backend
  mcpctl call upper --backend t1 --params '{"s":"ab"}'`,
	Args: cobra.ExactArgs(1),
	RunE: runCall,
}

// streamCmd follows the SSE notification stream
var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Follow the SSE notification stream",
	Long: `Open the host's SSE stream and print every event until
interrupted.`,
	RunE: runStream,
}

func init() {
	callCmd.Flags().StringVar(&callServerID, "backend", "", "route to a specific backend id")
	callCmd.Flags().StringVar(&callParams, "params", "{}", "tool parameters as a JSON object")
}

func runHealth(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func runCall(cmd *cobra.Command, args []string) error {
	params := map[string]any{
		"tool":       args[0],
		"parameters": json.RawMessage(callParams),
	}
	if callServerID != "" {
		params["server_id"] = callServerID
	}
	request := map[string]any{
		"jsonrpc": "2.0",
		"method":  "invoke_tool",
		"params":  params,
		"id":      1,
	}

	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	client := &http.Client{Timeout: 90 * time.Second}
	resp, err := client.Post(serverURL+"/mcp/rpc", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpc request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("tool call failed (%d): %s", envelope.Error.Code, envelope.Error.Message)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, envelope.Result, "", "  "); err != nil {
		fmt.Println(string(envelope.Result))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func runStream(cmd *cobra.Command, args []string) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+"/mcp/stream", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("stream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream returned status %d", resp.StatusCode)
	}
	fmt.Fprintf(os.Stderr, "connected as client %s\n", resp.Header.Get("x-mcp-client-id"))

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		fmt.Println(scanner.Text())
	}
	return scanner.Err()
}
