package definition_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/gun/internal/definition"
	"github.com/mpataki/gun/internal/plan"
)

const shopYAML = `
application: shop
environments:
  - name: prod
    servers:
      - name: web1
        host: 10.0.0.1
        roles: [web]
      - name: db1
        host: 10.0.0.2
        port: 2222
        user: root
        roles: [db]
tasks:
  - name: deploy
    description: roll out a release
    parameters:
      - name: release
        default: latest
    commands:
      - command: restart ${release}
        roles: [web]
      - command: migrate
        roles: [db]
        rank: 10
`

func TestDecode(t *testing.T) {
	def, err := definition.Decode([]byte(shopYAML))
	require.NoError(t, err)
	require.NoError(t, definition.Validate(def))

	assert.Equal(t, "shop", def.Application)
	require.Len(t, def.Environments, 1)
	env := def.Environments[0]
	assert.Equal(t, "shop", env.Application)
	require.Len(t, env.Servers, 2)
	assert.Equal(t, 2222, env.Servers[1].Port)
	assert.Equal(t, []string{"db"}, env.Servers[1].Roles)

	require.Len(t, def.Tasks, 1)
	task := def.Tasks[0]
	assert.Equal(t, "roll out a release", task.Description)
	assert.Equal(t, "latest", task.Parameters[0].DefaultValue)
	assert.Equal(t, 1, task.Parameters[0].Rank)
	assert.Equal(t, 1, task.Commands[0].Rank)
	assert.Equal(t, 10, task.Commands[1].Rank)
	assert.Equal(t, "restart ${release}", task.Commands[0].Command)
}

func TestDecode_InvalidYAML(t *testing.T) {
	_, err := definition.Decode([]byte("tasks: [oops"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{
			name: "missing application",
			yaml: "tasks: []",
			want: definition.ErrNoApplication,
		},
		{
			name: "command without roles",
			yaml: "application: shop\ntasks:\n  - name: t\n    commands:\n      - command: ls\n",
			want: plan.ErrNoRoles,
		},
		{
			name: "duplicate rank",
			yaml: "application: shop\ntasks:\n  - name: t\n    commands:\n      - {command: a, roles: [web], rank: 2}\n      - {command: b, roles: [web]}\n",
			want: plan.ErrDuplicateRank,
		},
		{
			name: "duplicate task",
			yaml: "application: shop\ntasks:\n  - name: t\n  - name: t\n",
			want: definition.ErrDuplicateName,
		},
		{
			name: "duplicate server",
			yaml: "application: shop\nenvironments:\n  - name: prod\n    servers:\n      - {name: web1}\n      - {name: web1}\n",
			want: definition.ErrDuplicateName,
		},
		{
			name: "bad environment name",
			yaml: "application: shop\nenvironments:\n  - name: \"-prod\"\n",
			want: plan.ErrInvalidName,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := definition.Decode([]byte(tt.yaml))
			require.NoError(t, err)
			assert.ErrorIs(t, definition.Validate(def), tt.want)
		})
	}
}

func TestLoadAll(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shop.yaml"), []byte(shopYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yml"), 0o755))

	defs, err := definition.LoadAll([]string{dir, filepath.Join(dir, "missing")})
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, filepath.Join(dir, "shop.yaml"), defs[0].Source)
}

func TestParse_MissingFile(t *testing.T) {
	_, err := definition.Parse(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_FilesAndDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shop.yaml"), []byte(shopYAML), 0o600))
	single := filepath.Join(t.TempDir(), "other.txt")
	require.NoError(t, os.WriteFile(single, []byte(shopYAML), 0o600))

	defs, err := definition.Load([]string{dir, single})
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, single, defs[1].Source)

	_, err = definition.Load([]string{filepath.Join(dir, "missing.yaml")})
	assert.Error(t, err)
}
