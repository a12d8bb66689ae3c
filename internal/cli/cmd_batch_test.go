package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTasks(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadTasksFileYAML(t *testing.T) {
	path := writeTasks(t, `
tasks:
  - id: fix-auth
    description: Fix the login bug
    prompt: The login handler returns 500.
  - id: add-tests
    prompt: Add unit tests.
    timeout_minutes: 15
`)
	tasks, err := loadTasksFile(path)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "fix-auth", tasks[0].ID)
	require.Equal(t, "Fix the login bug", tasks[0].Description)
	require.Equal(t, 15, tasks[1].TimeoutMinutes)
}

func TestLoadTasksFileJSON(t *testing.T) {
	path := writeTasks(t, `{"tasks": [{"id": "t1", "prompt": "do the thing"}]}`)
	tasks, err := loadTasksFile(path)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "t1", tasks[0].ID)
}

func TestLoadTasksFileErrors(t *testing.T) {
	_, err := loadTasksFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := writeTasks(t, "tasks: []\n")
	_, err = loadTasksFile(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no tasks")

	path = writeTasks(t, "not yaml: [unclosed\n")
	_, err = loadTasksFile(path)
	require.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	cmd := newVersionCmd()
	var out strings.Builder
	cmd.SetOut(&out)
	cmd.Run(cmd, nil)
	require.Contains(t, out.String(), "fleet version")
}
