package scaffold

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CheckExisting returns an error listing flock.yml and agents/ when either
// already exists in dir.
func CheckExisting(dir string) error {
	var existing []string

	if _, err := os.Stat(filepath.Join(dir, ConfigFile)); err == nil {
		existing = append(existing, ConfigFile)
	}
	if info, err := os.Stat(filepath.Join(dir, AgentsDir)); err == nil && info.IsDir() {
		existing = append(existing, AgentsDir+"/")
	}

	if len(existing) == 0 {
		return nil
	}
	return &ExistingError{Paths: existing}
}

// ExistingError reports a project that is already initialized.
type ExistingError struct {
	Paths []string
}

func (e *ExistingError) Error() string {
	return fmt.Sprintf("project already initialized: found %s", strings.Join(e.Paths, ", "))
}
