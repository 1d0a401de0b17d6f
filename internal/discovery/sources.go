package discovery

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Source is one known location of a host application's persisted state
// blob. Paths may contain globs and a leading ~; FieldNumber is the
// top-level field holding the serialized OAuth token record.
type Source struct {
	Name        string
	Description string
	Paths       []string
	FieldNumber int
}

// authRecordField is where the host IDE keeps the OAuth token
// sub-message inside its serialized state object.
const authRecordField = 2

// Sources lists the state blobs scanned by ImportAll, resolved per
// platform.
func Sources() []Source {
	return []Source{
		{
			Name:        "antigravity",
			Description: "Antigravity IDE persisted state",
			Paths:       antigravityStatePaths(),
			FieldNumber: authRecordField,
		},
	}
}

func antigravityStatePaths() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{
			"~/Library/Application Support/Antigravity/User/globalStorage/state.blob",
			"~/Library/Application Support/Antigravity/auth/*.state",
		}
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return []string{
				filepath.Join(appData, "Antigravity", "User", "globalStorage", "state.blob"),
				filepath.Join(appData, "Antigravity", "auth", "*.state"),
			}
		}
		return nil
	default:
		return []string{
			"~/.config/Antigravity/User/globalStorage/state.blob",
			"~/.config/Antigravity/auth/*.state",
		}
	}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
