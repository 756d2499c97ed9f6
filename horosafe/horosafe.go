// Package horosafe guards file access driven by untrusted input: paths
// confined under a root directory and reads bounded in size.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned when a path escapes its root.
var ErrPathTraversal = errors.New("horosafe: path escapes root")

// ErrTooLarge is returned when a read exceeds its limit.
var ErrTooLarge = errors.New("horosafe: content exceeds limit")

// SafePath resolves userPath against root and checks the result stays
// under root, lexically and after symlink resolution. Relative paths are
// taken from root; absolute paths must already lie inside it.
func SafePath(root, userPath string) (string, error) {
	if userPath == "" {
		return "", fmt.Errorf("horosafe: empty path")
	}
	base, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("horosafe: root: %w", err)
	}
	p := userPath
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	p = filepath.Clean(p)
	if !within(base, p) {
		return "", ErrPathTraversal
	}

	// A symlink under root may still point outside it.
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return p, nil
		}
		return "", fmt.Errorf("horosafe: resolve %s: %w", userPath, err)
	}
	realBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		return "", fmt.Errorf("horosafe: resolve root: %w", err)
	}
	if !within(realBase, resolved) {
		return "", ErrPathTraversal
	}
	return p, nil
}

func within(base, p string) bool {
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// LimitedReadAll reads r, failing with ErrTooLarge past maxBytes.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, maxBytes)
	}
	return data, nil
}

// ReadFile reads a regular file of at most maxBytes.
func ReadFile(path string, maxBytes int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !st.Mode().IsRegular() {
		return nil, fmt.Errorf("horosafe: %s is not a regular file", path)
	}
	if st.Size() > maxBytes {
		return nil, fmt.Errorf("%w (%d > %d bytes)", ErrTooLarge, st.Size(), maxBytes)
	}
	return LimitedReadAll(f, maxBytes)
}
