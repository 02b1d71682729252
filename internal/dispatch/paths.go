package dispatch

import (
	"fmt"
	"path/filepath"
	"strings"
)

// resolvePath cleans an absolute payload path and checks it against the
// allowed roots. Symlinks are resolved first so a link cannot escape a root.
// No roots means any absolute path.
func resolvePath(p string, roots []string) (string, error) {
	if !filepath.IsAbs(p) {
		return "", validationf("path", "path must be absolute")
	}
	clean := filepath.Clean(p)
	if resolved, err := filepath.EvalSymlinks(clean); err == nil {
		clean = resolved
	}
	if len(roots) == 0 {
		return clean, nil
	}
	for _, root := range roots {
		root = filepath.Clean(root)
		if resolved, err := filepath.EvalSymlinks(root); err == nil {
			root = resolved
		}
		prefix := root
		if !strings.HasSuffix(prefix, string(filepath.Separator)) {
			prefix += string(filepath.Separator)
		}
		if clean == root || strings.HasPrefix(clean, prefix) {
			return clean, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrPathNotAllowed, clean)
}
