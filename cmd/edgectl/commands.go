package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/BV-BRC/edge-runtime/internal/config"
	"github.com/BV-BRC/edge-runtime/internal/permissions"
	"github.com/BV-BRC/edge-runtime/internal/sandbox"
	"github.com/BV-BRC/edge-runtime/internal/streams"
)

// Client wraps an authenticated HTTP client for the edge-runtime admin API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

func (c *Client) doRequest(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.httpClient.Do(req)
}

func getClient(cmd *cobra.Command) *Client {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("EDGE_SERVICE_TOKEN")
	}
	return NewClient(server, token)
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show worker pool occupancy",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := getClient(cmd)
	resp, err := client.doRequest("GET", "/admin/pool", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status request failed: %s", string(body))
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	fmt.Printf("pool size:     %v\n", result["size"])
	fmt.Printf("workers busy:  %v\n", result["occupied"])
	return nil
}

func newRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <handler-id> <https-url>",
		Short: "Register a handler id against an https module URL",
		Args:  cobra.ExactArgs(2),
		RunE:  runRegister,
	}
}

func runRegister(cmd *cobra.Command, args []string) error {
	handlerID, url := args[0], args[1]
	body, _ := json.Marshal(map[string]string{"url": url})

	client := getClient(cmd)
	resp, err := client.doRequest("PUT", "/admin/handlers/"+handlerID, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("registration failed: %s", string(body))
	}
	fmt.Printf("registered handler %q -> %s\n", handlerID, url)
	return nil
}

func newUnregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <handler-id>",
		Short: "Remove a registered handler id",
		Args:  cobra.ExactArgs(1),
		RunE:  runUnregister,
	}
}

func runUnregister(cmd *cobra.Command, args []string) error {
	handlerID := args[0]
	client := getClient(cmd)
	resp, err := client.doRequest("DELETE", "/admin/handlers/"+handlerID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unregister failed: %s", string(body))
	}
	fmt.Printf("unregistered handler %q\n", handlerID)
	return nil
}

func newInvokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoke <handler-id>",
		Short: "Invoke a registered handler through a running service",
		Args:  cobra.ExactArgs(1),
		RunE:  runInvoke,
	}
	cmd.Flags().StringP("method", "X", "GET", "HTTP method to send")
	cmd.Flags().StringP("data", "d", "", "Request body")
	return cmd
}

func runInvoke(cmd *cobra.Command, args []string) error {
	handlerID := args[0]
	method, _ := cmd.Flags().GetString("method")
	data, _ := cmd.Flags().GetString("data")

	client := getClient(cmd)
	var bodyReader io.Reader
	if data != "" {
		bodyReader = bytes.NewReader([]byte(data))
	}

	resp, err := client.doRequest(method, "/invoke/"+handlerID, bodyReader)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	fmt.Printf("status: %d\n", resp.StatusCode)
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <script-file>",
		Short: "Execute a handler script locally without a running service",
		Long:  `Runs a single handler source file through the same sandbox the service uses, against a synthetic GET / request, and prints the resulting status and body. Useful for iterating on a handler before registering it.`,
		Args:  cobra.ExactArgs(1),
		RunE:  runLocalScript,
	}
	cmd.Flags().Duration("timeout", 10*time.Second, "Execution timeout")
	return cmd
}

func runLocalScript(cmd *cobra.Command, args []string) error {
	path := args[0]
	timeout, _ := cmd.Flags().GetDuration("timeout")

	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}

	req := &sandbox.Request{
		Method:  "GET",
		URL:     "https://local.invalid/",
		Headers: map[string][]string{},
	}

	incoming := make(chan streams.Chunk)
	close(incoming)
	outgoing := make(chan streams.Chunk, 64)
	state := sandbox.NewState("local", req, streams.NewBodyReader(incoming), streams.NewBodyWriter(context.Background(), outgoing))

	sb, err := sandbox.New(state, sandbox.Options{Policy: permissions.New()})
	if err != nil {
		return fmt.Errorf("failed to construct sandbox: %w", err)
	}
	sb.SetConsoleSink(func(logArgs []interface{}) {
		fmt.Fprintln(os.Stderr, logArgs...)
	})

	specifier := "file://" + filepath.ToSlash(path)
	head, err := sb.Execute(specifier, string(source), req, timeout)
	if err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}

	sandbox.DefaultAndValidate(head)
	fmt.Printf("status: %d\n", head.Status)
	for name, vals := range head.Headers {
		for _, v := range vals {
			fmt.Printf("%s: %s\n", name, v)
		}
	}
	fmt.Println()

	r := streams.NewBodyReader(outgoing)
	_, err = io.Copy(os.Stdout, readerFunc(r.Read))
	return err
}

// readerFunc adapts a bare Read method to io.Reader for io.Copy.
type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func newValidateConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate a configuration file",
		RunE:  runValidateConfig,
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file")
	return cmd
}

func runValidateConfig(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	fmt.Printf("configuration OK: listening on %s:%d, pool size %d, heap limit %dMB\n",
		cfg.Server.Host, cfg.Server.Port, cfg.Sandbox.PoolSize, cfg.Sandbox.HeapLimitMB)
	return nil
}
