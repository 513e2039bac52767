package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

const maxFileBytes = 1 << 20

type readFileInput struct {
	FilePath string `json:"file_path" jsonschema_description:"Absolute path of the file to read"`
}

type writeFileInput struct {
	FilePath string `json:"file_path" jsonschema_description:"Absolute path of the file to write"`
	Content  string `json:"content" jsonschema_description:"Full content to write"`
}

type editFileInput struct {
	FilePath  string `json:"file_path" jsonschema_description:"Absolute path of the file to edit"`
	OldString string `json:"old_string" jsonschema_description:"Exact text to replace; must occur exactly once"`
	NewString string `json:"new_string" jsonschema_description:"Replacement text"`
}

type listFilesInput struct {
	Directory string `json:"directory" jsonschema_description:"Absolute path of the directory to list"`
}

func (b *Builtins) readFileTool() Tool {
	return New("read_file", "Read the content of a file", CategoryFile,
		func(ctx context.Context, input readFileInput) (string, error) {
			if err := b.policy.CheckPath(input.FilePath); err != nil {
				return "", err
			}

			info, err := b.fs.Stat(input.FilePath)
			if err != nil {
				return "", err
			}
			if info.Size() > maxFileBytes {
				return "", fmt.Errorf("file %s is %d bytes, larger than the %d byte limit",
					input.FilePath, info.Size(), maxFileBytes)
			}

			content, err := afero.ReadFile(b.fs, input.FilePath)
			if err != nil {
				return "", err
			}
			return string(content), nil
		})
}

func (b *Builtins) writeFileTool() Tool {
	return New("write_file", "Create or overwrite a file", CategoryFile,
		func(ctx context.Context, input writeFileInput) (string, error) {
			if err := b.policy.CheckPath(input.FilePath); err != nil {
				return "", err
			}
			if err := afero.WriteFile(b.fs, input.FilePath, []byte(input.Content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(input.Content), input.FilePath), nil
		})
}

func (b *Builtins) editFileTool() Tool {
	return New("edit_file", "Replace a unique text occurrence in a file", CategoryFile,
		func(ctx context.Context, input editFileInput) (string, error) {
			if err := b.policy.CheckPath(input.FilePath); err != nil {
				return "", err
			}
			if input.OldString == "" {
				return "", fmt.Errorf("old_string must not be empty")
			}

			content, err := afero.ReadFile(b.fs, input.FilePath)
			if err != nil {
				return "", err
			}

			text := string(content)
			switch count := strings.Count(text, input.OldString); count {
			case 0:
				return "", fmt.Errorf("old_string not found in %s", input.FilePath)
			case 1:
			default:
				return "", fmt.Errorf("old_string occurs %d times in %s, must be unique", count, input.FilePath)
			}

			updated := strings.Replace(text, input.OldString, input.NewString, 1)
			if err := afero.WriteFile(b.fs, input.FilePath, []byte(updated), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("edited %s", input.FilePath), nil
		})
}

func (b *Builtins) listFilesTool() Tool {
	return New("list_files", "List the entries of a directory", CategoryFile,
		func(ctx context.Context, input listFilesInput) (string, error) {
			if err := b.policy.CheckPath(input.Directory); err != nil {
				return "", err
			}

			entries, err := afero.ReadDir(b.fs, input.Directory)
			if err != nil {
				return "", err
			}

			names := make([]string, 0, len(entries))
			for _, entry := range entries {
				name := entry.Name()
				if entry.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return strings.Join(names, "\n"), nil
		})
}
