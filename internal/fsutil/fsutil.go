package fsutil

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// uploadExts are the extensions accepted by POST /images/upload.
var uploadExts = map[string]struct{}{
	"png":  {},
	"jpg":  {},
	"jpeg": {},
}

// IsAllowedUpload reports whether filename carries an accepted image extension.
// The name must contain a dot; the text after the last dot is compared case-insensitively.
func IsAllowedUpload(filename string) bool {
	i := strings.LastIndex(filename, ".")
	if i < 0 {
		return false
	}
	_, ok := uploadExts[strings.ToLower(filename[i+1:])]
	return ok
}

// IsImageFile reports whether path carries an accepted upload extension.
func IsImageFile(path string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	_, ok := uploadExts[ext]
	return ok
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SanitizeFilename turns an untrusted client filename into a safe flat name.
// Non-ASCII characters are folded or dropped, path separators become
// underscores, and leading/trailing dots and underscores are stripped so the
// result can never escape the upload directory. An empty return value means the
// name had nothing usable left.
func SanitizeFilename(name string) string {
	decomposed := norm.NFKD.String(name)
	var b strings.Builder
	for _, r := range decomposed {
		if r > unicode.MaxASCII {
			continue
		}
		b.WriteRune(r)
	}
	name = b.String()

	name = strings.NewReplacer("/", " ", "\\", " ").Replace(name)
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeFilenameChars.ReplaceAllString(name, "")
	return strings.Trim(name, "._")
}

// ListFiles returns the regular files directly inside dir, sorted by filename.
// Dotfiles are skipped so in-flight atomic writes never show up. Callers decide
// what is an image by decoding.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// Exists reports whether path names an existing regular file.
func Exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}
