// Package scaffold writes a starter mosaic.yml.
package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/mosaic/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// ConfigFile is the file Initialize creates.
const ConfigFile = "mosaic.yml"

// Initialize writes the starter configuration into dir and returns its path.
// If force is true an existing mosaic.yml is replaced.
func Initialize(dir string, force bool) (string, error) {
	path := filepath.Join(dir, ConfigFile)

	if !force {
		if err := CheckExisting(dir); err != nil {
			return "", err
		}
	}

	content, err := templatesFS.ReadFile("templates/mosaic.yml.tmpl")
	if err != nil {
		return "", fmt.Errorf("failed to read mosaic.yml template: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	// Validate created file
	if _, err := config.Load(path); err != nil {
		return "", fmt.Errorf("created %s is invalid: %w", path, err)
	}

	return path, nil
}
