package trainz

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Launch flags written to trainzoptions.txt
const (
	FlagFreeIntCam            = "-freeintcam"
	FlagDisableRailJointSound = "-disablerailjointsound"
)

// OptionsPath returns the location of trainzoptions.txt inside an installation.
func OptionsPath(installPath string) string {
	return filepath.Join(installPath, "trainzoptions.txt")
}

// ApplyOptions adds each flag to the options file unless it is already
// present. Existing lines are kept as they are. The file is created when
// missing. It reports whether the file was modified.
func ApplyOptions(path string, flags ...string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("reading options: %w", err)
	}

	var lines []string
	present := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		lines = append(lines, line)
		if trimmed := strings.TrimSpace(line); strings.HasPrefix(trimmed, "-") {
			present[strings.ToLower(trimmed)] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("reading options: %w", err)
	}

	changed := false
	for _, flag := range flags {
		if present[strings.ToLower(flag)] {
			continue
		}
		lines = append(lines, flag)
		present[strings.ToLower(flag)] = true
		changed = true
	}
	if !changed {
		return false, nil
	}

	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return false, fmt.Errorf("writing options: %w", err)
	}
	return true, nil
}
