//go:build !darwin && !linux

package doctor

import "fmt"

func detectFilesystemType(string) (string, error) {
	return "", fmt.Errorf("filesystem detection is unsupported on this platform")
}
