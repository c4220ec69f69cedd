package memory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnumerateMemoryFiles(t *testing.T) {
	t.Run("collects memory dir and root notes", func(t *testing.T) {
		ws := createTestWorkspace(t, map[string]string{
			"MEMORY.md":             "root notes",
			"memory/projects.md":    "project notes",
			"memory/sub/deep.md":    "nested notes",
			"memory/ignored.txt":    "not markdown",
			"outside.md":            "not under a note root",
			"memory/sub/skipped.go": "code",
		})

		files, err := enumerateMemoryFiles(ws, nil)
		require.NoError(t, err)

		paths := make([]string, 0, len(files))
		for _, f := range files {
			paths = append(paths, f.Path)
			assert.Equal(t, SourceMemory, f.Source)
			assert.NotEmpty(t, f.Hash)
		}
		assert.Equal(t, []string{"MEMORY.md", "memory/projects.md", "memory/sub/deep.md"}, paths)
	})

	t.Run("stable ordering", func(t *testing.T) {
		ws := createTestWorkspace(t, map[string]string{
			"memory/b.md": "b",
			"memory/a.md": "a",
			"memory/c.md": "c",
		})
		files, err := enumerateMemoryFiles(ws, nil)
		require.NoError(t, err)
		require.Len(t, files, 3)
		assert.Equal(t, "memory/a.md", files[0].Path)
		assert.Equal(t, "memory/c.md", files[2].Path)
	})

	t.Run("extra paths are included", func(t *testing.T) {
		ws := createTestWorkspace(t, map[string]string{
			"docs/extra.md": "extra notes",
		})
		files, err := enumerateMemoryFiles(ws, []string{"docs/extra.md", "docs/missing.md"})
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.Equal(t, "docs/extra.md", files[0].Path)
	})

	t.Run("empty workspace", func(t *testing.T) {
		files, err := enumerateMemoryFiles(t.TempDir(), nil)
		require.NoError(t, err)
		assert.Empty(t, files)
	})

	t.Run("hash tracks content", func(t *testing.T) {
		ws := createTestWorkspace(t, map[string]string{"memory/n.md": "before"})
		a, err := enumerateMemoryFiles(ws, nil)
		require.NoError(t, err)

		require.NoError(t, os.WriteFile(filepath.Join(ws, "memory", "n.md"), []byte("after"), 0o644))
		b, err := enumerateMemoryFiles(ws, nil)
		require.NoError(t, err)

		assert.NotEqual(t, a[0].Hash, b[0].Hash)
	})
}

func TestEnumerateSessionFiles(t *testing.T) {
	t.Run("jsonl only", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "s1.jsonl"), []byte("{}\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "s2.jsonl"), []byte("{}\n{}\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

		files, err := enumerateSessionFiles(dir)
		require.NoError(t, err)
		require.Len(t, files, 2)
		assert.Equal(t, "s1.jsonl", files[0].Path)
		assert.Equal(t, SourceSessions, files[0].Source)
	})

	t.Run("missing dir is empty", func(t *testing.T) {
		files, err := enumerateSessionFiles(filepath.Join(t.TempDir(), "nope"))
		require.NoError(t, err)
		assert.Empty(t, files)
	})
}

func TestValidateNotePath(t *testing.T) {
	t.Run("valid relative path", func(t *testing.T) {
		assert.NoError(t, validateNotePath("memory/notes.md"))
	})

	t.Run("empty path", func(t *testing.T) {
		err := validateNotePath("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot be empty")
	})

	t.Run("absolute path rejected", func(t *testing.T) {
		err := validateNotePath("/etc/passwd")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be relative")
	})

	t.Run("parent traversal rejected", func(t *testing.T) {
		assert.Error(t, validateNotePath("../secrets.md"))
		assert.Error(t, validateNotePath("memory/../../etc/passwd"))
	})
}

func TestResolveNotePath(t *testing.T) {
	ws := createTestWorkspace(t, map[string]string{
		"MEMORY.md":       "root",
		"memory/notes.md": "notes",
	})

	t.Run("root notes file", func(t *testing.T) {
		full, err := resolveNotePath(ws, "MEMORY.md")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(ws, "MEMORY.md"), full)
	})

	t.Run("memory dir file", func(t *testing.T) {
		full, err := resolveNotePath(ws, "memory/notes.md")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(ws, "memory", "notes.md"), full)
	})

	t.Run("non-markdown rejected", func(t *testing.T) {
		_, err := resolveNotePath(ws, "memory/data.json")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "only .md files")
	})

	t.Run("outside note roots rejected", func(t *testing.T) {
		_, err := resolveNotePath(ws, "README.md")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "outside allowed note roots")
	})

	t.Run("escape rejected", func(t *testing.T) {
		_, err := resolveNotePath(ws, "memory/../../outside.md")
		assert.Error(t, err)
	})
}
