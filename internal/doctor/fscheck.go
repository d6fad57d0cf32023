package doctor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// validateLocalFilesystem rejects directories on network filesystems, where
// unix sockets and flock(2) are unreliable.
func validateLocalFilesystem(dir string, detector func(string) (string, error)) error {
	if dir == "" {
		return fmt.Errorf("socket directory is empty")
	}

	inspectPath, err := nearestExistingPath(dir)
	if err != nil {
		return fmt.Errorf("resolve socket directory %q: %w", dir, err)
	}

	fsType, err := detector(inspectPath)
	if err != nil {
		// Unknown platforms cannot tell; let the daemon try.
		return nil
	}

	if isNetworkFilesystem(fsType) {
		return fmt.Errorf(
			"socket directory %q is on network filesystem %q; use a local path such as $XDG_RUNTIME_DIR via socket_path or --socket",
			dir,
			fsType,
		)
	}
	return nil
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.TrimSpace(strings.ToLower(fsType))]
	return found
}
