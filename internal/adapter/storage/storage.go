// Package storage holds the remote storage backends files are streamed into.
package storage

import (
	"path"
	"strings"
	"unicode"
)

const fallbackName = "file"

// SafeName reduces name to a single path element without control characters.
func SafeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimRight(name, "/"))
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return fallbackName
	}
	return name
}
