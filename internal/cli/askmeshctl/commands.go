package askmeshctl

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/duckmesh/askmesh/internal/pipeline"
)

type clientFactory func() *client

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

func minimumArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MinimumNArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

func newAskCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a natural-language question (POST /v1/ask)",
		Args:  minimumArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			body, err := c.call(cmd, http.MethodPost, "/v1/ask", map[string]string{
				"question": strings.Join(args, " "),
			})
			if err != nil {
				return err
			}
			if c.output == outputJSON {
				writeRaw(cmd.OutOrStdout(), body)
				return nil
			}
			var result pipeline.Result
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("decode ask response: %w", err)
			}
			renderAskResult(cmd.OutOrStdout(), result)
			return nil
		},
	}
}

func newSchemaCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Describe the tenant's queryable tables (GET /v1/schema)",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := newClient()
			body, err := c.call(cmd, http.MethodGet, "/v1/schema", nil)
			if err != nil {
				return err
			}
			if c.output == outputJSON {
				writeRaw(cmd.OutOrStdout(), body)
				return nil
			}
			var info pipeline.SchemaInfo
			if err := json.Unmarshal(body, &info); err != nil {
				return fmt.Errorf("decode schema response: %w", err)
			}
			renderSchema(cmd.OutOrStdout(), info)
			return nil
		},
	}
}

func newExportCmd(newClient clientFactory) *cobra.Command {
	var destination string
	var format string
	var outFile string
	cmd := &cobra.Command{
		Use:   "export <sql>",
		Short: "Export the first result set of a read-only query (POST /v1/export)",
		Args:  minimumArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			body, err := c.call(cmd, http.MethodPost, "/v1/export", map[string]string{
				"sql":         strings.Join(args, " "),
				"destination": destination,
				"format":      format,
			})
			if err != nil {
				return err
			}
			if destination == "object_store" {
				if c.output == outputJSON {
					writeRaw(cmd.OutOrStdout(), body)
					return nil
				}
				var stored exportResult
				if err := json.Unmarshal(body, &stored); err != nil {
					return fmt.Errorf("decode export response: %w", err)
				}
				renderExport(cmd.OutOrStdout(), stored)
				return nil
			}
			if outFile != "" {
				if err := os.WriteFile(outFile, body, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", outFile, err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", len(body), outFile)
				return nil
			}
			_, err = cmd.OutOrStdout().Write(body)
			return err
		},
	}
	cmd.Flags().StringVar(&destination, "destination", "response", "response or object_store")
	cmd.Flags().StringVar(&format, "format", "csv", "csv or parquet")
	cmd.Flags().StringVar(&outFile, "file", "", "write the export to this file instead of stdout")
	return cmd
}

func newCorrectionsCmd(newClient clientFactory) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "corrections",
		Short: "List the most recent remembered SQL corrections (GET /v1/corrections)",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/v1/corrections"
			if limit > 0 {
				path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
			}
			c := newClient()
			body, err := c.call(cmd, http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			if c.output == outputJSON {
				writeRaw(cmd.OutOrStdout(), body)
				return nil
			}
			var list correctionList
			if err := json.Unmarshal(body, &list); err != nil {
				return fmt.Errorf("decode corrections response: %w", err)
			}
			renderCorrections(cmd.OutOrStdout(), list)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of entries (server default when 0)")
	return cmd
}

func newTablesCmd(newClient clientFactory) *cobra.Command {
	tables := &cobra.Command{
		Use:   "tables",
		Short: "Manage the tenant's registered tables",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered tables and their data files (GET /v1/tables)",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := newClient()
			body, err := c.call(cmd, http.MethodGet, "/v1/tables", nil)
			if err != nil {
				return err
			}
			if c.output == outputJSON {
				writeRaw(cmd.OutOrStdout(), body)
				return nil
			}
			var listing tableList
			if err := json.Unmarshal(body, &listing); err != nil {
				return fmt.Errorf("decode tables response: %w", err)
			}
			renderTables(cmd.OutOrStdout(), listing.Tables)
			return nil
		},
	}

	var description string
	var files []string
	create := &cobra.Command{
		Use:   "create <table>",
		Short: "Register a table backed by parquet files (POST /v1/tables)",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request := map[string]any{
				"table_name":  args[0],
				"description": description,
			}
			parsed := make([]map[string]any, 0, len(files))
			for _, raw := range files {
				file, err := parseFileFlag(raw)
				if err != nil {
					return usageError{err}
				}
				parsed = append(parsed, file)
			}
			request["files"] = parsed

			c := newClient()
			body, err := c.call(cmd, http.MethodPost, "/v1/tables", request)
			if err != nil {
				return err
			}
			if c.output == outputJSON {
				writeRaw(cmd.OutOrStdout(), body)
				return nil
			}
			var item tableItem
			if err := json.Unmarshal(body, &item); err != nil {
				return fmt.Errorf("decode table response: %w", err)
			}
			renderTables(cmd.OutOrStdout(), []tableItem{item})
			return nil
		},
	}
	create.Flags().StringVar(&description, "description", "", "table description")
	create.Flags().StringArrayVar(&files, "file", nil, "parquet object key, optionally key=record_count (repeatable)")

	remove := &cobra.Command{
		Use:   "delete <table>",
		Short: "Remove a table from the tenant allowlist (DELETE /v1/tables/{table})",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			body, err := c.call(cmd, http.MethodDelete, "/v1/tables/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			if c.output == outputJSON {
				writeRaw(cmd.OutOrStdout(), body)
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted table %s\n", args[0])
			return nil
		},
	}

	tables.AddCommand(list, create, remove)
	return tables
}

func newProbeCmd(newClient clientFactory, name, path string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: "GET " + path,
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := newClient().call(cmd, http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			writeRaw(cmd.OutOrStdout(), body)
			return nil
		},
	}
}

func parseFileFlag(raw string) (map[string]any, error) {
	path, count, hasCount := strings.Cut(strings.TrimSpace(raw), "=")
	if path == "" {
		return nil, fmt.Errorf("--file %q: object key is required", raw)
	}
	file := map[string]any{"path": path}
	if hasCount {
		records, err := strconv.ParseInt(count, 10, 64)
		if err != nil || records < 0 {
			return nil, fmt.Errorf("--file %q: record count must be a non-negative integer", raw)
		}
		file["record_count"] = records
	}
	return file, nil
}
