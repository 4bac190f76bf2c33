package config

import (
	"os"
	"path/filepath"

	"meeting-uploader/internal/domain"
)

// DefaultSettings returns baseline local configuration for first launch. The
// endpoint and token stay empty until the user pairs the app with a service
// account; diagnostics point that out instead of guessing a URL.
func DefaultSettings() domain.Settings {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	return domain.Settings{
		Language:      "auto",
		RecordingsDir: filepath.Join(homeDir, "Recordings"),
		AutoUpload:    false,
	}
}
