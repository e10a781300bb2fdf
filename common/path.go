package common

import "path/filepath"

// EnsurePathAbsoluteOrRelativeTo returns filename unchanged if it is already
// an absolute path, or else filename joined onto datadir.
func EnsurePathAbsoluteOrRelativeTo(datadir string, filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	return filepath.Join(datadir, filename)
}
