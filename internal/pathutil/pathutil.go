// Package pathutil resolves logical catalog paths against a filesystem whose
// entries may use either Unicode normalization form. Synology volumes mixed
// with macOS-written folders routinely disagree on NFC vs NFD.
package pathutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrNotFound is returned when no normalization variant of a path exists.
var ErrNotFound = errors.New("path not found")

// NFC returns the NFC normalization of s. All stored and compared text uses NFC.
func NFC(s string) string {
	if s == "" {
		return s
	}
	return norm.NFC.String(s)
}

// NFD returns the NFD normalization of s.
func NFD(s string) string {
	if s == "" {
		return s
	}
	return norm.NFD.String(s)
}

// NormalizePath converts all path separators to forward slashes.
func NormalizePath(p string) string {
	return filepath.ToSlash(p)
}

// Resolve maps a path to an existing on-disk path. It tries the exact path,
// then the NFC form, then the NFD form, and finally enumerates the parent
// directory comparing NFC-of-entry to NFC-of-target.
func Resolve(path string) (string, error) {
	if path == "" {
		return "", ErrNotFound
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if p := NFC(path); pathExists(p) {
		return p, nil
	}
	if p := NFD(path); pathExists(p) {
		return p, nil
	}

	parent := filepath.Dir(path)
	resolvedParent, err := Resolve(parent)
	if err != nil {
		return "", ErrNotFound
	}
	target := NFC(filepath.Base(path))
	entries, err := os.ReadDir(resolvedParent)
	if err != nil {
		return "", ErrNotFound
	}
	for _, e := range entries {
		if NFC(e.Name()) == target {
			return filepath.Join(resolvedParent, e.Name()), nil
		}
	}
	return "", ErrNotFound
}

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// IsExcluded reports whether a path component must never be traversed or
// served: dot-entries and any name in the excluded set.
func IsExcluded(name string, excluded []string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	n := NFC(name)
	for _, ex := range excluded {
		if strings.Contains(n, NFC(ex)) {
			return true
		}
	}
	return false
}
