package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type todoItem struct {
	Content string `json:"content" jsonschema_description:"Task description"`
	Status  string `json:"status" jsonschema_description:"pending, in_progress, or completed"`
}

type todoWriteInput struct {
	Todos []todoItem `json:"todos" jsonschema_description:"Full replacement task list"`
}

// todoStore keeps the current task list for the process lifetime.
type todoStore struct {
	mu    sync.Mutex
	items []todoItem
}

func newTodoStore() *todoStore {
	return &todoStore{}
}

func (s *todoStore) replace(items []todoItem) []todoItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = items
	return s.items
}

func (b *Builtins) todoWriteTool() Tool {
	return New("todo_write", "Replace the task list with an updated set of items", CategoryTodo,
		func(ctx context.Context, input todoWriteInput) (string, error) {
			for i, item := range input.Todos {
				switch item.Status {
				case "pending", "in_progress", "completed":
				default:
					return "", fmt.Errorf("todos.%d.status %q is not a valid status", i, item.Status)
				}
			}

			items := b.todos.replace(input.Todos)

			var out strings.Builder
			fmt.Fprintf(&out, "%d task(s) recorded", len(items))
			for _, item := range items {
				fmt.Fprintf(&out, "\n[%s] %s", item.Status, item.Content)
			}
			return out.String(), nil
		})
}
