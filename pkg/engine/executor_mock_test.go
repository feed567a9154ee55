package engine

import "context"

// mockExecutor is a test double satisfying executor.Executor via a plain
// function, used across the package's dag_executor integration tests.
type mockExecutor struct {
	executeFn func(ctx context.Context, config map[string]any, input any) (any, error)
}

func (m *mockExecutor) Execute(ctx context.Context, config map[string]any, input any) (any, error) {
	return m.executeFn(ctx, config, input)
}

func (m *mockExecutor) Validate(config map[string]any) error {
	return nil
}
