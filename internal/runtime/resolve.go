package runtime

import (
	"os"
	"path/filepath"
	"strings"

	ferrors "github.com/flytohub/flyto-core-sub001/internal/errors"
)

// ResolveEntryPoint validates entry against pluginDir and returns its
// absolute, symlink-free path.
//
// Rejected: empty entries, NUL bytes, absolute paths, any ".." segment
// under either separator, and entries whose real path leaves the real
// plugin directory.
func ResolveEntryPoint(pluginDir, entry string) (string, error) {
	if strings.TrimSpace(entry) == "" {
		return "", ferrors.NewValidation("entryPoint", "must not be empty")
	}
	if strings.ContainsRune(entry, 0) {
		return "", ferrors.NewSecurity(entry, "entry point contains a NUL byte")
	}
	if filepath.IsAbs(entry) || strings.HasPrefix(entry, "/") || strings.HasPrefix(entry, `\`) || hasDriveLetter(entry) {
		return "", ferrors.NewPathTraversal(entry, "absolute paths are not allowed")
	}
	for _, seg := range strings.FieldsFunc(entry, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return "", ferrors.NewPathTraversal(entry, "parent directory segments are not allowed")
		}
	}

	realDir, err := filepath.EvalSymlinks(pluginDir)
	if err != nil {
		return "", ferrors.NewValidation("pluginDir", err.Error())
	}
	realDir, err = filepath.Abs(realDir)
	if err != nil {
		return "", ferrors.NewValidation("pluginDir", err.Error())
	}

	candidate := filepath.Join(realDir, filepath.FromSlash(entry))
	realEntry, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ferrors.NewValidation("entryPoint", "entry point does not exist: "+entry)
		}
		return "", ferrors.NewValidation("entryPoint", err.Error())
	}

	rel, err := filepath.Rel(realDir, realEntry)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ferrors.NewSecurity(entry, "entry point resolves outside the plugin directory")
	}

	info, err := os.Stat(realEntry)
	if err != nil {
		return "", ferrors.NewValidation("entryPoint", err.Error())
	}
	if info.IsDir() {
		return "", ferrors.NewValidation("entryPoint", "entry point is a directory")
	}
	return realEntry, nil
}

func hasDriveLetter(p string) bool {
	return len(p) >= 2 && p[1] == ':' && ((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}
