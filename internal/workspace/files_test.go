package workspace_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tandem/internal/arbiter"
	"github.com/gosuda/tandem/internal/domain"
	"github.com/gosuda/tandem/internal/workspace"
)

func newFiles(t *testing.T) (*workspace.Files, string) {
	t.Helper()

	root := t.TempDir()
	f, err := workspace.New(root)
	require.NoError(t, err)
	return f, root
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := workspace.New(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "f")
	write(t, file, "x")
	_, err = workspace.New(file)
	require.Error(t, err)
}

func TestFiles_Resolve(t *testing.T) {
	t.Parallel()

	f, root := newFiles(t)

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr error
	}{
		{name: "relative joined to root", path: "src/a.py", want: filepath.Join(root, "src", "a.py")},
		{name: "absolute inside root", path: filepath.Join(root, "b.py"), want: filepath.Join(root, "b.py")},
		{name: "dot segments cleaned", path: "src/../c.py", want: filepath.Join(root, "c.py")},
		{name: "escape via dot-dot", path: "../outside.py", wantErr: workspace.ErrOutsideRoot},
		{name: "absolute outside root", path: "/etc/passwd", wantErr: workspace.ErrOutsideRoot},
		{name: "empty", path: "  ", wantErr: domain.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := f.Resolve(tt.path)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFiles_ApplyEdit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("writes when original matches", func(t *testing.T) {
		t.Parallel()

		f, root := newFiles(t)
		path := filepath.Join(root, "a.py")
		write(t, path, "x=1")

		res, err := f.ApplyEdit(ctx, domain.ApplyRequest{Path: "a.py", OriginalContent: "x=1", ProposedContent: "x=2"})
		require.NoError(t, err)
		assert.True(t, res.IsSuccess())
		assert.Equal(t, "x=2", read(t, path))

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "existing permissions kept")
	})

	t.Run("conflict when file changed", func(t *testing.T) {
		t.Parallel()

		f, root := newFiles(t)
		path := filepath.Join(root, "a.py")
		write(t, path, "x=9")

		res, err := f.ApplyEdit(ctx, domain.ApplyRequest{Path: path, OriginalContent: "x=1", ProposedContent: "x=2"})
		require.NoError(t, err)
		require.True(t, res.IsConflict())
		assert.Equal(t, "x=9", res.CurrentContent)
		assert.Equal(t, "x=1", res.BaseContent)
		assert.Equal(t, "x=2", res.ProposedContent)
		assert.Equal(t, "x=9", read(t, path), "file untouched on conflict")
	})

	t.Run("missing file is created with parents", func(t *testing.T) {
		t.Parallel()

		f, root := newFiles(t)

		res, err := f.ApplyEdit(ctx, domain.ApplyRequest{Path: "pkg/new/file.go", ProposedContent: "package new\n"})
		require.NoError(t, err)
		assert.True(t, res.IsSuccess())
		assert.Equal(t, "package new\n", read(t, filepath.Join(root, "pkg", "new", "file.go")))
	})

	t.Run("empty original overwrites without conflict", func(t *testing.T) {
		t.Parallel()

		f, root := newFiles(t)
		path := filepath.Join(root, "a.txt")
		write(t, path, "whatever")

		res, err := f.ApplyEdit(ctx, domain.ApplyRequest{Path: "a.txt", ProposedContent: "fresh"})
		require.NoError(t, err)
		assert.True(t, res.IsSuccess())
		assert.Equal(t, "fresh", read(t, path))
	})

	t.Run("outside root is an error result", func(t *testing.T) {
		t.Parallel()

		f, _ := newFiles(t)

		res, err := f.ApplyEdit(ctx, domain.ApplyRequest{Path: "../../x", ProposedContent: "y"})
		require.NoError(t, err)
		assert.True(t, res.IsError())
		assert.Contains(t, res.Message, "outside root")
	})

	t.Run("directory target is an error result", func(t *testing.T) {
		t.Parallel()

		f, root := newFiles(t)
		require.NoError(t, os.Mkdir(filepath.Join(root, "dir"), 0o755))

		res, err := f.ApplyEdit(ctx, domain.ApplyRequest{Path: "dir", ProposedContent: "y"})
		require.NoError(t, err)
		assert.True(t, res.IsError())
	})
}

func TestFiles_CheckFileModified(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f, root := newFiles(t)
	path := filepath.Join(root, "a.py")
	write(t, path, "x=1")

	status, err := f.CheckFileModified(ctx, "a.py", arbiter.HashContent("x=1"))
	require.NoError(t, err)
	assert.False(t, status.Modified)
	assert.Empty(t, status.CurrentContent)

	status, err = f.CheckFileModified(ctx, "a.py", arbiter.HashContent("x=0"))
	require.NoError(t, err)
	assert.True(t, status.Modified)
	assert.Equal(t, "x=1", status.CurrentContent)

	status, err = f.CheckFileModified(ctx, "missing.py", arbiter.HashContent(""))
	require.NoError(t, err)
	assert.False(t, status.Modified, "missing file hashes as empty")

	_, err = f.CheckFileModified(ctx, "../x", "")
	require.ErrorIs(t, err, workspace.ErrOutsideRoot)
}

func TestFiles_ReadFileAndReject(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f, root := newFiles(t)
	write(t, filepath.Join(root, "a.py"), "x=1")

	got, err := f.ReadFile(ctx, "a.py")
	require.NoError(t, err)
	assert.Equal(t, "x=1", got)

	got, err = f.ReadFile(ctx, "nope.py")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, f.RejectEdit(ctx, "e1"))
	assert.Equal(t, "x=1", read(t, filepath.Join(root, "a.py")))
}
