package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadDir reads every .rego file under dir, recursively, and returns one
// enabled Policy per file. The policy name is the file name without the
// extension; severity defaults to error and may be softened by a
// "# severity: warning" comment near the top of the file.
func LoadDir(dir string) ([]Policy, error) {
	var policies []Policy
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading policy %s: %w", path, err)
		}
		name := strings.TrimSuffix(filepath.Base(path), ".rego")
		policies = append(policies, Policy{
			Name:     name,
			Rego:     string(src),
			Severity: fileSeverity(string(src)),
			Enabled:  true,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return policies, nil
}

// fileSeverity scans the leading comments for a severity annotation.
func fileSeverity(src string) Severity {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			if strings.Contains(trimmed, "severity: warning") {
				return SeverityWarning
			}
			continue
		}
		break
	}
	return SeverityError
}
