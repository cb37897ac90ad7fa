package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildExportPath returns the object key for an exported result file.
func BuildExportPath(tenantID, exportID string, createdAt time.Time, extension string) (string, error) {
	if err := validatePathComponent(tenantID, "tenant id"); err != nil {
		return "", err
	}
	if err := validatePathComponent(exportID, "export id"); err != nil {
		return "", err
	}
	extension = strings.TrimPrefix(strings.TrimSpace(extension), ".")
	if extension == "" {
		return "", fmt.Errorf("extension is required")
	}

	ts := createdAt.UTC()
	return path.Join(
		tenantID,
		"exports",
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("%s.%s", exportID, extension),
	), nil
}

// TenantDataPath checks that a data file key lives under the tenant's own
// prefix and returns it cleaned.
func TenantDataPath(tenantID, key string) (string, error) {
	if err := validatePathComponent(tenantID, "tenant id"); err != nil {
		return "", err
	}
	cleaned := path.Clean(strings.TrimPrefix(strings.TrimSpace(key), "/"))
	if cleaned == "." || strings.Contains(cleaned, "..") {
		return "", fmt.Errorf("invalid data file path: %q", key)
	}
	if !strings.HasPrefix(cleaned, tenantID+"/") {
		return "", fmt.Errorf("data file path %q is outside tenant prefix %q", key, tenantID+"/")
	}
	if !strings.HasSuffix(cleaned, ".parquet") {
		return "", fmt.Errorf("data file path %q must reference a parquet file", key)
	}
	return cleaned, nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
