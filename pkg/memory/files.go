package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// memoryDirName is the notes directory inside the workspace.
const memoryDirName = "memory"

// rootNotesFile is the top-level notes file indexed alongside the memory dir.
const rootNotesFile = "MEMORY.md"

func hashBytes(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// enumerateMemoryFiles lists workspace note files plus any configured extra
// paths. Paths are workspace-relative and stable across runs.
func enumerateMemoryFiles(workspace string, extraPaths []string) ([]FileInfo, error) {
	var files []FileInfo

	appendFile := func(absPath, relPath string) error {
		content, err := os.ReadFile(absPath)
		if err != nil {
			return err
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return err
		}
		files = append(files, FileInfo{
			Path:    filepath.ToSlash(relPath),
			AbsPath: absPath,
			Hash:    hashBytes(content),
			Mtime:   info.ModTime(),
			Size:    info.Size(),
			Source:  SourceMemory,
		})
		return nil
	}

	walkDir := func(root, relPrefix string) error {
		if _, err := os.Stat(root); os.IsNotExist(err) {
			return nil
		}
		return walkDirRecursive(root, relPrefix, appendFile)
	}

	if err := walkDir(filepath.Join(workspace, memoryDirName), memoryDirName); err != nil {
		return nil, err
	}

	rootFile := filepath.Join(workspace, rootNotesFile)
	if _, err := os.Stat(rootFile); err == nil {
		if err := appendFile(rootFile, rootNotesFile); err != nil {
			return nil, err
		}
	}

	for _, extra := range extraPaths {
		abs := extra
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(workspace, extra)
		}
		info, err := os.Stat(abs)
		if err != nil {
			continue // configured paths may not exist yet
		}
		if info.IsDir() {
			if err := walkDir(abs, extra); err != nil {
				return nil, err
			}
			continue
		}
		if strings.HasSuffix(strings.ToLower(abs), ".md") {
			if err := appendFile(abs, extra); err != nil {
				return nil, err
			}
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func walkDirRecursive(root, relPrefix string, appendFile func(abs, rel string) error) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		abs := filepath.Join(root, entry.Name())
		rel := filepath.Join(relPrefix, entry.Name())
		if entry.IsDir() {
			if err := walkDirRecursive(abs, rel, appendFile); err != nil {
				return err
			}
			continue
		}
		if strings.HasSuffix(strings.ToLower(entry.Name()), ".md") {
			if err := appendFile(abs, rel); err != nil {
				return err
			}
		}
	}
	return nil
}

// enumerateSessionFiles lists transcript files for the agent. Transcripts are
// newline-delimited JSON, one message per line.
func enumerateSessionFiles(sessionsDir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(sessionsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var files []FileInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		abs := filepath.Join(sessionsDir, entry.Name())
		content, err := os.ReadFile(abs)
		if err != nil {
			return nil, err
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		files = append(files, FileInfo{
			Path:    entry.Name(),
			AbsPath: abs,
			Hash:    hashBytes(content),
			Mtime:   info.ModTime(),
			Size:    info.Size(),
			Source:  SourceSessions,
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// validateNotePath rejects unsafe relative paths before any file access.
func validateNotePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("path must be relative, got absolute path: %s", path)
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean != filepath.FromSlash(path) {
		return fmt.Errorf("path contains invalid components: %s", path)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path cannot reference parent directories: %s", path)
	}
	return nil
}

// resolveNotePath validates a relative note path and resolves it inside the
// workspace's allowed note roots. Only .md files under the memory dir or the
// root notes file are readable.
func resolveNotePath(workspace, relPath string) (string, error) {
	if err := validateNotePath(relPath); err != nil {
		return "", err
	}
	if !strings.HasSuffix(strings.ToLower(relPath), ".md") {
		return "", fmt.Errorf("only .md files are readable: %s", relPath)
	}

	slashPath := filepath.ToSlash(relPath)
	if slashPath != rootNotesFile && !strings.HasPrefix(slashPath, memoryDirName+"/") {
		return "", fmt.Errorf("path outside allowed note roots: %s", relPath)
	}

	full := filepath.Join(workspace, filepath.FromSlash(relPath))

	// Defense in depth: the resolved path must stay inside the workspace.
	absBase, err := filepath.Abs(workspace)
	if err != nil {
		return "", err
	}
	absFull, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	if absFull != absBase && !strings.HasPrefix(absFull, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", relPath)
	}

	return full, nil
}
