package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolveTarget canonicalizes p (cleaning traversal, resolving symlinks on
// the existing portion) and verifies it stays inside one of the allowed
// roots. wantFile rejects directories at the final path.
func (e *Engine) resolveTarget(p string, wantFile bool) (string, error) {
	if p == "" || !filepath.IsAbs(p) {
		return "", fmt.Errorf("%w: %q is not absolute", ErrPathInvalid, p)
	}
	clean := filepath.Clean(p)

	// Resolve symlinks on the deepest existing ancestor so a link inside the
	// tree cannot smuggle the target outside a root.
	resolved, err := resolveExisting(clean)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPathInvalid, err)
	}

	inRoot := false
	for _, root := range e.cfg.Roots() {
		canonRoot, err := filepath.EvalSymlinks(root)
		if err != nil {
			continue
		}
		if resolved == canonRoot || strings.HasPrefix(resolved, canonRoot+string(filepath.Separator)) {
			inRoot = true
			break
		}
	}
	if !inRoot {
		return "", fmt.Errorf("%w: %s", ErrPathForbidden, p)
	}

	if fi, err := os.Stat(resolved); err == nil {
		if wantFile && fi.IsDir() {
			return "", fmt.Errorf("%w: %s", ErrIsDirectory, p)
		}
		if !wantFile && !fi.IsDir() {
			return "", fmt.Errorf("%w: %s is not a directory", ErrPathInvalid, p)
		}
	}
	return resolved, nil
}

// resolveExisting walks up from path to the nearest existing ancestor,
// EvalSymlinks that, and re-joins the non-existing suffix.
func resolveExisting(path string) (string, error) {
	suffix := ""
	cur := path
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(real, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("no existing ancestor for %s", path)
		}
		suffix = filepath.Join(filepath.Base(cur), suffix)
		cur = parent
	}
}

// uniquePath claims a non-colliding variant of path by appending " (n)"
// before the extension. The O_EXCL create claims the name atomically; the
// caller renames over the claimed file.
func uniquePath(path string) (string, error) {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for n := 1; n < 10000; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		f, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_ = f.Close()
			return candidate, nil
		}
		if !os.IsExist(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: no free suffix for %s", ErrConflict, path)
}
