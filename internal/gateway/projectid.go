package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"codemem/internal/config"
)

// GlobalProjectID is the shared scope used in global mode.
const GlobalProjectID = "global"

// ResolveProjectID derives the effective project scope once at startup.
//
//	auto:   prj_ plus the first 8 hex characters of the SHA-256 of the
//	        project path (configured, falling back to the working directory)
//	manual: the configured fixed value
//	global: the shared scope
func ResolveProjectID(cfg *config.GatewayConfig) (string, error) {
	switch cfg.ProjectIDMode {
	case config.ProjectModeAuto:
		path := cfg.ProjectID
		if path == "" {
			wd, err := os.Getwd()
			if err != nil {
				return "", fmt.Errorf("resolve project path: %w", err)
			}
			path = wd
		}
		return DeriveProjectID(path), nil
	case config.ProjectModeManual:
		if cfg.ProjectID == "" {
			return "", fmt.Errorf("PROJECT_ID_MODE=manual requires PROJECT_ID")
		}
		return cfg.ProjectID, nil
	case config.ProjectModeGlobal:
		return GlobalProjectID, nil
	default:
		return "", fmt.Errorf("unknown project id mode %q", cfg.ProjectIDMode)
	}
}

// DeriveProjectID hashes a project path into its stable scope identifier.
func DeriveProjectID(path string) string {
	sum := sha256.Sum256([]byte(path))
	return "prj_" + hex.EncodeToString(sum[:])[:8]
}
