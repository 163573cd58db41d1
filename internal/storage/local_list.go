package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// listLocalFiles walks root depth-first, following symlinked directories
// through their resolved paths. Each real directory is read at most once, so
// link cycles terminate and a link back into an already visited directory
// contributes nothing new.
func listLocalFiles(ctx context.Context, logger *slog.Logger, policy TraversalPolicy, pattern, root string) ([]DirectoryGroup, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: instance data root must be specified", ErrConfiguration)
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("%w: invalid pattern %q: %w", ErrConfiguration, pattern, err)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for %s: %w", root, err)
	}

	skipOrAbort := func(path string, cause error) error {
		if policy == TraversalAbort {
			return fmt.Errorf("%w: %s: %w", ErrTraversal, path, cause)
		}
		logger.Warn("skipping unreadable path", "path", path, "error", cause)
		return nil
	}

	var groups []DirectoryGroup
	visited := make(map[string]struct{})
	stack := []string{absRoot}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		realDir, err := filepath.EvalSymlinks(dir)
		if err != nil {
			if dir == absRoot && errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			if err := skipOrAbort(dir, err); err != nil {
				return nil, err
			}
			continue
		}
		if _, seen := visited[realDir]; seen {
			logger.Debug("directory already visited", "dir", dir, "real_path", realDir)
			continue
		}
		visited[realDir] = struct{}{}

		entries, err := os.ReadDir(dir)
		if err != nil {
			if err := skipOrAbort(dir, err); err != nil {
				return nil, err
			}
			continue
		}

		var files []FileEntry
		var children []string

		for _, entry := range entries {
			name := entry.Name()
			fullpath := filepath.Join(dir, name)
			matched, _ := filepath.Match(pattern, name)

			switch {
			case entry.Type()&fs.ModeSymlink != 0:
				target, err := filepath.EvalSymlinks(fullpath)
				if err != nil {
					if !matched {
						logger.Debug("ignoring dangling symlink", "path", fullpath, "error", err)
						continue
					}
					if err := skipOrAbort(fullpath, err); err != nil {
						return nil, err
					}
					continue
				}

				info, err := os.Stat(target)
				if err != nil {
					if err := skipOrAbort(fullpath, err); err != nil {
						return nil, err
					}
					continue
				}

				if info.IsDir() {
					children = append(children, target)
				} else if matched {
					files = append(files, newFileEntry(fullpath, dir, info))
				}

			case entry.IsDir():
				children = append(children, fullpath)

			case matched:
				info, err := entry.Info()
				if err != nil {
					if err := skipOrAbort(fullpath, err); err != nil {
						return nil, err
					}
					continue
				}
				files = append(files, newFileEntry(fullpath, dir, info))
			}
		}

		if len(files) > 0 {
			groups = append(groups, DirectoryGroup{Dir: dir, Subdirs: []string{}, Files: files})
		}

		// Reverse push keeps lexical pre-order when popping.
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}

	return groups, nil
}

func newFileEntry(path, parent string, info fs.FileInfo) FileEntry {
	return FileEntry{Path: path, Parent: parent, Size: info.Size(), ModTime: info.ModTime()}
}
