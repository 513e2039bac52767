package tools

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
)

const maxSearchResults = 200

// errSearchLimit stops a walk once enough matches were collected.
var errSearchLimit = fmt.Errorf("search result limit reached")

type globInput struct {
	Pattern   string `json:"pattern" jsonschema_description:"Glob pattern, ** matches across directories"`
	Directory string `json:"directory" jsonschema_description:"Absolute path of the directory to search"`
}

type grepInput struct {
	Pattern string `json:"pattern" jsonschema_description:"Regular expression to search for"`
	Path    string `json:"path" jsonschema_description:"Absolute path of the directory to search"`
}

func (b *Builtins) globTool() Tool {
	return New("glob", "Find files matching a glob pattern", CategorySearch,
		func(ctx context.Context, input globInput) (string, error) {
			if err := b.policy.CheckPath(input.Directory); err != nil {
				return "", err
			}
			if !doublestar.ValidatePattern(input.Pattern) {
				return "", fmt.Errorf("invalid glob pattern %q", input.Pattern)
			}

			root := strings.TrimPrefix(filepath.ToSlash(filepath.Clean(input.Directory)), "/")
			pattern := path.Join(root, input.Pattern)

			matches, err := doublestar.Glob(afero.NewIOFS(b.fs), pattern)
			if err != nil {
				return "", err
			}
			if len(matches) > maxSearchResults {
				matches = matches[:maxSearchResults]
			}

			for i, match := range matches {
				matches[i] = "/" + match
			}
			return strings.Join(matches, "\n"), nil
		})
}

func (b *Builtins) grepTool() Tool {
	return New("grep", "Search file contents with a regular expression", CategorySearch,
		func(ctx context.Context, input grepInput) (string, error) {
			if err := b.policy.CheckPath(input.Path); err != nil {
				return "", err
			}

			pattern, err := regexp.Compile(input.Pattern)
			if err != nil {
				return "", fmt.Errorf("invalid pattern: %w", err)
			}

			var matches []string
			err = afero.Walk(b.fs, input.Path, func(filePath string, info fs.FileInfo, err error) error {
				if err != nil || info.IsDir() {
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if info.Size() > maxFileBytes {
					return nil
				}

				content, err := afero.ReadFile(b.fs, filePath)
				if err != nil {
					return nil
				}

				for number, line := range strings.Split(string(content), "\n") {
					if pattern.MatchString(line) {
						matches = append(matches, fmt.Sprintf("%s:%d:%s", filePath, number+1, line))
						if len(matches) >= maxSearchResults {
							return errSearchLimit
						}
					}
				}
				return nil
			})
			if err != nil && err != errSearchLimit {
				return "", err
			}

			return strings.Join(matches, "\n"), nil
		})
}
