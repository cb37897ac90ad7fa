package askmeshctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

type Options struct {
	BaseURL    string
	APIKey     string
	TenantID   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

// usageError marks failures caused by how the command was invoked.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// apiError is a non-2xx response from the API.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Run executes one CLI invocation and returns the process exit code.
func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	defaults.Stdout = stdout
	defaults.Stderr = stderr

	root := NewRootCommand(defaults)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var usage usageError
	if errors.As(err, &usage) || strings.HasPrefix(err.Error(), "unknown command") {
		_, _ = fmt.Fprintf(stderr, "%v\n\n", err)
		_ = root.Usage()
		return 2
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		_, _ = fmt.Fprintln(stderr, apiErr.Error())
		return 1
	}
	_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
	return 1
}

type client struct {
	http     *http.Client
	baseURL  string
	apiKey   string
	tenantID string
	output   string
}

type rootFlags struct {
	baseURL  string
	apiKey   string
	tenantID string
	timeout  time.Duration
	output   string
}

func NewRootCommand(defaults Options) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "askmeshctl",
		Short:         "Ask questions of tenant data through the askmesh API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			switch flags.output {
			case outputTable, outputJSON:
				return nil
			default:
				return usageError{fmt.Errorf("--output must be %q or %q", outputTable, outputJSON)}
			}
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&flags.baseURL, "base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "askmesh API base URL")
	pf.StringVar(&flags.apiKey, "api-key", defaults.APIKey, "API key for authenticated requests")
	pf.StringVar(&flags.tenantID, "tenant-id", defaults.TenantID, "Tenant ID header (used when auth is disabled)")
	pf.DurationVar(&flags.timeout, "timeout", durationOr(defaults.Timeout, 60*time.Second), "HTTP timeout (e.g. 30s)")
	pf.StringVarP(&flags.output, "output", "o", outputTable, "output format: table or json")

	newClient := func() *client {
		httpClient := defaults.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: flags.timeout}
		}
		return &client{
			http:     httpClient,
			baseURL:  strings.TrimRight(flags.baseURL, "/"),
			apiKey:   strings.TrimSpace(flags.apiKey),
			tenantID: strings.TrimSpace(flags.tenantID),
			output:   flags.output,
		}
	}

	root.AddCommand(
		newAskCmd(newClient),
		newSchemaCmd(newClient),
		newExportCmd(newClient),
		newCorrectionsCmd(newClient),
		newTablesCmd(newClient),
		newProbeCmd(newClient, "health", "/v1/health"),
		newProbeCmd(newClient, "ready", "/v1/ready"),
	)
	return root
}

// call sends one request and fails on any non-2xx status.
func (c *client) call(cmd *cobra.Command, method, path string, body any) ([]byte, error) {
	code, responseBody, err := doRequest(cmd.Context(), c.http, method, c.baseURL+path, c.apiKey, c.tenantID, body)
	if err != nil {
		return nil, err
	}
	if code >= 400 {
		return nil, &apiError{Status: code, Body: strings.TrimSpace(string(responseBody))}
	}
	return responseBody, nil
}

func doRequest(ctx context.Context, httpClient *http.Client, method, url, apiKey, tenantID string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if tenantID != "" {
		req.Header.Set("X-Tenant-ID", tenantID)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, responseBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeRaw(w io.Writer, raw []byte) {
	if pretty, ok := prettyJSON(raw); ok {
		_, _ = fmt.Fprintln(w, pretty)
		return
	}
	if len(raw) > 0 {
		_, _ = fmt.Fprintln(w, string(raw))
	}
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
