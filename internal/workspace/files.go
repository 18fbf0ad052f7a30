// Package workspace applies edits to files on disk.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/moby/sys/atomicwriter"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/tandem/internal/arbiter"
	"github.com/gosuda/tandem/internal/domain"
)

// ErrOutsideRoot is returned for paths that resolve outside the workspace root.
var ErrOutsideRoot = errors.New("workspace: path outside root") //nolint:gochecknoglobals // sentinel error

const defaultFileMode fs.FileMode = 0o644

// Files is the file boundary used by the arbiter. Relative paths are
// resolved against root and no path may escape it.
type Files struct {
	root string

	// locks serialises compare-and-write per absolute path.
	locks sync.Map
}

var _ arbiter.FileBoundary = (*Files)(nil)

func New(root string) (*Files, error) {
	if root == "" {
		root = string(filepath.Separator)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace.New: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace.New: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace.New: %s is not a directory", abs)
	}

	return &Files{root: abs}, nil
}

// Root returns the absolute workspace root.
func (f *Files) Root() string {
	return f.root
}

// Resolve returns the absolute, cleaned form of path.
func (f *Files) Resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("workspace.Files.Resolve: empty path: %w", domain.ErrInvalidInput)
	}

	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(f.root, p)
	}
	p = filepath.Clean(p)

	rel, err := filepath.Rel(f.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("workspace.Files.Resolve(%s): %w", path, ErrOutsideRoot)
	}
	return p, nil
}

// ApplyEdit writes the proposed content if the file still holds the original
// content. A missing file reads as empty. An empty original means the edit
// creates or overwrites the file without a conflict check.
func (f *Files) ApplyEdit(_ context.Context, req domain.ApplyRequest) (domain.ApplyResult, error) {
	path, err := f.Resolve(req.Path)
	if err != nil {
		return domain.ApplyError(err.Error()), nil
	}

	unlock := f.lock(path)
	defer unlock()

	current, mode, err := readFile(path)
	if err != nil {
		return domain.ApplyError(fmt.Sprintf("read %s: %v", req.Path, err)), nil
	}

	if req.OriginalContent != "" && current != req.OriginalContent {
		return domain.ApplyConflict(current, req.OriginalContent, req.ProposedContent), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return domain.ApplyError(fmt.Sprintf("create parent of %s: %v", req.Path, err)), nil
	}

	if err := atomicwriter.WriteFile(path, []byte(req.ProposedContent), mode); err != nil {
		return domain.ApplyError(fmt.Sprintf("write %s: %v", req.Path, err)), nil
	}

	log.Debug().Str("file_path", path).Int("bytes", len(req.ProposedContent)).Msg("workspace.Files.ApplyEdit: written")
	return domain.ApplySuccess(), nil
}

// RejectEdit records the rejection; nothing on disk changes.
func (f *Files) RejectEdit(_ context.Context, editID string) error {
	log.Info().Str("edit_id", editID).Msg("workspace.Files.RejectEdit: edit rejected")
	return nil
}

// CheckFileModified reports whether the file's sha256 differs from expectedHash.
func (f *Files) CheckFileModified(_ context.Context, path, expectedHash string) (domain.FileStatus, error) {
	abs, err := f.Resolve(path)
	if err != nil {
		return domain.FileStatus{}, fmt.Errorf("workspace.Files.CheckFileModified: %w", err)
	}

	current, _, err := readFile(abs)
	if err != nil {
		return domain.FileStatus{}, fmt.Errorf("workspace.Files.CheckFileModified: %w", err)
	}

	if arbiter.HashContent(current) == expectedHash {
		return domain.FileStatus{}, nil
	}
	return domain.FileStatus{Modified: true, CurrentContent: current}, nil
}

// ReadFile returns the file's content, or "" when it does not exist.
func (f *Files) ReadFile(_ context.Context, path string) (string, error) {
	abs, err := f.Resolve(path)
	if err != nil {
		return "", fmt.Errorf("workspace.Files.ReadFile: %w", err)
	}

	content, _, err := readFile(abs)
	if err != nil {
		return "", fmt.Errorf("workspace.Files.ReadFile: %w", err)
	}
	return content, nil
}

func (f *Files) lock(path string) func() {
	v, _ := f.locks.LoadOrStore(path, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// readFile returns the content and permission bits of path. A missing file
// is empty with the default mode.
func readFile(path string) (string, fs.FileMode, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", defaultFileMode, nil
	}
	if err != nil {
		return "", 0, err
	}
	if info.IsDir() {
		return "", 0, fmt.Errorf("%s is a directory", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, err
	}
	return string(data), info.Mode().Perm(), nil
}
