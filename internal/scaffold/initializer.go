// Package scaffold creates a starter flock project.
package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/flock/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// ConfigFile and AgentsDir are the paths Initialize creates, relative to the project directory.
const (
	ConfigFile = "flock.yml"
	AgentsDir  = "agents"
)

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// Initialize writes flock.yml and an example agent into dir. With force,
// an existing flock.yml and agents/ directory are removed first.
func Initialize(dir string, force bool) ([]string, error) {
	if force {
		if err := removeExisting(dir); err != nil {
			return nil, err
		}
	} else if err := CheckExisting(dir); err != nil {
		return nil, err
	}

	files, err := templateFiles()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(dir, AgentsDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", AgentsDir, err)
	}

	created := make([]string, 0, len(files))
	for _, file := range files {
		if err := os.WriteFile(filepath.Join(dir, file.Path), file.Content, file.Permissions); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
		created = append(created, file.Path)
	}

	// The template must load with the same rules as a user's file
	if _, err := config.Load(filepath.Join(dir, ConfigFile)); err != nil {
		return nil, fmt.Errorf("created %s is invalid: %w", ConfigFile, err)
	}
	return created, nil
}

func removeExisting(dir string) error {
	if err := os.Remove(filepath.Join(dir, ConfigFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", ConfigFile, err)
	}
	if err := os.RemoveAll(filepath.Join(dir, AgentsDir)); err != nil {
		return fmt.Errorf("failed to remove %s/ directory: %w", AgentsDir, err)
	}
	return nil
}

func templateFiles() ([]FileInfo, error) {
	flockYML, err := templatesFS.ReadFile("templates/flock.yml.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read flock.yml template: %w", err)
	}
	echoSh, err := templatesFS.ReadFile("templates/echo.sh.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read echo.sh template: %w", err)
	}

	return []FileInfo{
		{Path: ConfigFile, Content: flockYML, Permissions: 0o644},
		{Path: filepath.Join(AgentsDir, "echo.sh"), Content: echoSh, Permissions: 0o755},
	}, nil
}
