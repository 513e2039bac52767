package tools

import (
	"net/http"
	"time"

	"github.com/spf13/afero"
)

// Builtins holds the shared dependencies of the default tool set. The
// filesystem is injected so tests run against an in-memory tree.
type Builtins struct {
	fs     afero.Fs
	policy *Policy
	client *http.Client
	todos  *todoStore
}

func NewBuiltins(fs afero.Fs, policy *Policy) *Builtins {
	return &Builtins{
		fs:     fs,
		policy: policy,
		client: &http.Client{Timeout: 30 * time.Second},
		todos:  newTodoStore(),
	}
}

// RegisterAll adds the full builtin tool set to the registry.
func (b *Builtins) RegisterAll(registry *Registry) error {
	all := []Tool{
		b.readFileTool(),
		b.writeFileTool(),
		b.editFileTool(),
		b.listFilesTool(),
		b.globTool(),
		b.grepTool(),
		b.bashTool(),
		b.webFetchTool(),
		b.todoWriteTool(),
	}
	for _, tool := range all {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
