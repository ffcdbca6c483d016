package storage

import (
	"fmt"
	"path"
	"regexp"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

var extensionPattern = regexp.MustCompile(`^[a-z0-9]{1,16}$`)

const artifactsDir = "artifacts"

// BuildArtifactKey lays artifacts out as <run>/artifacts/<name>.<ext>.
func BuildArtifactKey(runID, name, ext string) (string, error) {
	if err := validatePathComponent(runID, "run id"); err != nil {
		return "", err
	}
	if err := validatePathComponent(name, "artifact name"); err != nil {
		return "", err
	}
	if !extensionPattern.MatchString(ext) {
		return "", fmt.Errorf("invalid artifact extension: %q", ext)
	}
	return path.Join(runID, artifactsDir, name+"."+ext), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
