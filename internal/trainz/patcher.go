package trainz

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// nop is the x86 no-op opcode used to blank out embedded strings.
const nop = 0x90

// builtinSounds are the sample paths compiled into Trainz.exe that are
// silenced by PatchSounds.
var builtinSounds = []string{
	"sounds/junction/bump.wav",
	"sounds/junction/wheels_over_points_1.wav",
	"sounds/junction/wheels_over_points_2.wav",
	"sounds/junction/wheels_over_points_3.wav",
	"sounds/junction/wheels_over_points_4.wav",
	"sounds/junction/wheels_over_points_5.wav",
	"sounds/junction/wheels_over_points_6.wav",
	"sounds/slack/slack%d.wav",
}

// ExecutablePath returns the location of Trainz.exe inside an installation.
func ExecutablePath(installPath string) string {
	return filepath.Join(installPath, "bin", "Trainz.exe")
}

// PatchSounds blanks the built-in junction and slack sound paths in exe.
// The unpatched binary is kept as <exe>.bak and is restored first when
// present, so patching twice starts from the original.
func PatchSounds(exe string) error {
	backup := exe + ".bak"

	if _, err := os.Stat(backup); err == nil {
		if err := os.Rename(backup, exe); err != nil {
			return fmt.Errorf("restoring backup: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("checking backup: %w", err)
	}

	info, err := os.Stat(exe)
	if err != nil {
		return fmt.Errorf("reading executable: %w", err)
	}
	data, err := os.ReadFile(exe)
	if err != nil {
		return fmt.Errorf("reading executable: %w", err)
	}

	if err := os.WriteFile(backup, data, info.Mode().Perm()); err != nil {
		return fmt.Errorf("writing backup: %w", err)
	}

	if err := os.WriteFile(exe, replaceWithNops(data, builtinSounds), info.Mode().Perm()); err != nil {
		return fmt.Errorf("writing executable: %w", err)
	}
	return nil
}

func replaceWithNops(data []byte, needles []string) []byte {
	out := bytes.Clone(data)
	for _, s := range needles {
		out = bytes.ReplaceAll(out, []byte(s), bytes.Repeat([]byte{nop}, len(s)))
	}
	return out
}
