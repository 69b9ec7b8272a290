// Package workspace manages the per-execution scratch directory handed to
// runners, and the manifest describing what the execution was asked to do.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.trai.ch/zerr"

	"github.com/mpataki/gun/internal/models"
)

var ErrNotExist = zerr.New("workspace does not exist")

type Workspace struct {
	Path       string
	ScratchDir string
}

// Manifest is written once when the execution is created.
type Manifest struct {
	ExecutionID int64             `json:"execution_id"`
	Application string            `json:"application"`
	Task        string            `json:"task"`
	Environment string            `json:"environment"`
	User        string            `json:"user"`
	Created     time.Time         `json:"created"`
	Parameters  map[string]string `json:"parameters"`
	Commands    []ManifestCommand `json:"commands"`
}

type ManifestCommand struct {
	Rank    int      `json:"rank"`
	Command string   `json:"command"`
	Roles   []string `json:"roles"`
	Servers []string `json:"servers"`
}

// Dir is where the workspace of an execution lives under baseDir.
func Dir(baseDir string, executionID int64) string {
	return filepath.Join(baseDir, fmt.Sprintf("execution-%d", executionID))
}

func Create(baseDir string, executionID int64) (*Workspace, error) {
	w := layout(baseDir, executionID)
	if err := os.MkdirAll(w.ScratchDir, 0o755); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to create workspace directory"), "path", w.ScratchDir)
	}
	return w, nil
}

func Open(baseDir string, executionID int64) (*Workspace, error) {
	w := layout(baseDir, executionID)
	if _, err := os.Stat(w.Path); os.IsNotExist(err) {
		return nil, zerr.With(zerr.Wrap(ErrNotExist, "cannot open workspace"), "execution_id", executionID)
	}
	return w, nil
}

// Remove deletes an execution's workspace. A missing workspace is not an error.
func Remove(baseDir string, executionID int64) error {
	path := Dir(baseDir, executionID)
	if err := os.RemoveAll(path); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to remove workspace"), "path", path)
	}
	return nil
}

func layout(baseDir string, executionID int64) *Workspace {
	path := Dir(baseDir, executionID)
	return &Workspace{Path: path, ScratchDir: filepath.Join(path, "scratch")}
}

// NewManifest describes exec as planned.
func NewManifest(exec *models.Execution) *Manifest {
	m := &Manifest{
		ExecutionID: exec.ID,
		Application: exec.Application,
		Task:        exec.TaskName,
		Environment: exec.EnvironmentName,
		User:        exec.User,
		Created:     exec.TimeCreated,
		Parameters:  make(map[string]string, len(exec.Parameters)),
	}
	for _, p := range exec.Parameters {
		m.Parameters[p.Name] = p.Value
	}
	for _, cmd := range exec.Commands {
		mc := ManifestCommand{Rank: cmd.Rank, Command: cmd.Command, Roles: cmd.Roles, Servers: []string{}}
		for _, u := range cmd.Servers {
			mc.Servers = append(mc.Servers, u.ServerName)
		}
		m.Commands = append(m.Commands, mc)
	}
	return m
}

func (w *Workspace) manifestPath() string {
	return filepath.Join(w.Path, "execution.json")
}

func (w *Workspace) WriteManifest(m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return zerr.Wrap(err, "failed to marshal manifest")
	}
	if err := os.WriteFile(w.manifestPath(), data, 0o644); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to write manifest"), "path", w.manifestPath())
	}
	return nil
}

func (w *Workspace) ReadManifest() (*Manifest, error) {
	data, err := os.ReadFile(w.manifestPath())
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to read manifest"), "path", w.manifestPath())
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to parse manifest"), "path", w.manifestPath())
	}
	return &m, nil
}

// ScratchDir is the runner working directory of an execution.
func ScratchDir(baseDir string, executionID int64) string {
	return layout(baseDir, executionID).ScratchDir
}
