package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/duckmesh/askmesh/internal/cli/askmeshctl"
)

func main() {
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("ASKMESH_CLI_TIMEOUT")), 60*time.Second)
	options := askmeshctl.Options{
		BaseURL:  envOr("ASKMESH_API_URL", "http://localhost:8080"),
		APIKey:   strings.TrimSpace(os.Getenv("ASKMESH_API_KEY")),
		TenantID: strings.TrimSpace(os.Getenv("ASKMESH_TENANT_ID")),
		Timeout:  timeout,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := askmeshctl.Run(ctx, os.Args[1:], options)
	stop()
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid ASKMESH_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
