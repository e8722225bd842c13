package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/fpang/drone-ingest/internal/auth"
)

// ResolveDirectory checks that the path exists and is a directory, then
// returns the absolute path.
func ResolveDirectory(dirPath string) (string, error) {
	info, err := os.Stat(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("directory not found: %s", dirPath)
		}
		return "", fmt.Errorf("failed to access directory %s: %w", dirPath, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("path is not a directory: %s", dirPath)
	}

	if absPath, err := filepath.Abs(dirPath); err == nil {
		dirPath = absPath
	}
	return dirPath, nil
}

// Explain turns a backend failure into the message shown to the operator.
func Explain(err error) string {
	verr := auth.Classify(err)
	if verr == nil {
		return ""
	}
	switch verr.Type {
	case auth.ErrTypeNoToken:
		return "No API token configured. Pass --token, set DRONE_INGEST_TOKEN, or set DRONE_INGEST_TOKEN_SSM_PARAM"
	case auth.ErrTypeInvalidToken:
		return "The backend rejected the API token. Check the token and your access to this project"
	case auth.ErrTypeNetworkError:
		return verr.Message
	case auth.ErrTypeRateLimited:
		return verr.Message
	}
	return err.Error()
}

// LogFailure logs err with the operator-facing explanation attached.
func LogFailure(err error, msg string) {
	log.Error().Err(err).Str("hint", Explain(err)).Msg(msg)
}
