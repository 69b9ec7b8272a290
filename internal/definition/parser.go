// Package definition loads applications, environments and tasks from YAML.
package definition

import (
	"os"
	"path/filepath"
	"strings"

	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"

	"github.com/mpataki/gun/internal/models"
	"github.com/mpataki/gun/internal/plan"
)

var (
	ErrNoApplication = zerr.New("definition must name an application")
	ErrDuplicateName = zerr.New("duplicate name")
)

// File is the on-disk shape of a definition file.
type File struct {
	Application  string           `yaml:"application"`
	Environments []EnvironmentDef `yaml:"environments"`
	Tasks        []TaskDef        `yaml:"tasks"`
}

type EnvironmentDef struct {
	Name    string      `yaml:"name"`
	Servers []ServerDef `yaml:"servers"`
}

type ServerDef struct {
	Name  string   `yaml:"name"`
	Host  string   `yaml:"host"`
	Port  int      `yaml:"port"`
	User  string   `yaml:"user"`
	Roles []string `yaml:"roles"`
}

type TaskDef struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  []ParameterDef `yaml:"parameters"`
	Commands    []CommandDef   `yaml:"commands"`
}

// ParameterDef and CommandDef take their rank from list position unless
// one is given.
type ParameterDef struct {
	Name        string `yaml:"name"`
	Default     string `yaml:"default"`
	Description string `yaml:"description"`
	Rank        *int   `yaml:"rank"`
}

type CommandDef struct {
	Command string   `yaml:"command"`
	Roles   []string `yaml:"roles"`
	Rank    *int     `yaml:"rank"`
}

// Definition is a parsed and converted definition file.
type Definition struct {
	Source       string
	Application  string
	Environments []*models.Environment
	Tasks        []*models.Task
}

func Parse(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to read definition file"), "path", path)
	}
	def, err := Decode(data)
	if err != nil {
		return nil, zerr.With(err, "path", path)
	}
	def.Source = path
	return def, nil
}

func Decode(data []byte) (*Definition, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, zerr.Wrap(err, "failed to parse definition YAML")
	}
	return f.convert(), nil
}

func (f *File) convert() *Definition {
	def := &Definition{Application: f.Application}

	for _, e := range f.Environments {
		env := &models.Environment{Application: f.Application, Name: e.Name}
		for _, s := range e.Servers {
			env.Servers = append(env.Servers, &models.Server{
				Name:  s.Name,
				Host:  s.Host,
				Port:  s.Port,
				User:  s.User,
				Roles: s.Roles,
			})
		}
		def.Environments = append(def.Environments, env)
	}

	for _, t := range f.Tasks {
		task := &models.Task{Application: f.Application, Name: t.Name, Description: t.Description}
		for i, p := range t.Parameters {
			task.Parameters = append(task.Parameters, &models.TaskParameter{
				Name:         p.Name,
				DefaultValue: p.Default,
				Description:  p.Description,
				Rank:         rank(p.Rank, i),
			})
		}
		for i, c := range t.Commands {
			task.Commands = append(task.Commands, &models.TaskCommand{
				Command: strings.TrimSpace(c.Command),
				Roles:   c.Roles,
				Rank:    rank(c.Rank, i),
			})
		}
		def.Tasks = append(def.Tasks, task)
	}
	return def
}

func rank(explicit *int, index int) int {
	if explicit != nil {
		return *explicit
	}
	return index + 1
}

// LoadAll parses every .yaml/.yml file in dirs. Missing directories are skipped.
func LoadAll(dirs []string) ([]*Definition, error) {
	var defs []*Definition

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, zerr.With(zerr.Wrap(err, "failed to read definitions dir"), "dir", dir)
		}

		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
				continue
			}
			def, err := Parse(filepath.Join(dir, name))
			if err != nil {
				return nil, err
			}
			defs = append(defs, def)
		}
	}

	return defs, nil
}

// Load accepts a mix of definition files and directories.
func Load(paths []string) ([]*Definition, error) {
	var defs []*Definition
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "failed to stat definition path"), "path", p)
		}
		if info.IsDir() {
			found, err := LoadAll([]string{p})
			if err != nil {
				return nil, err
			}
			defs = append(defs, found...)
			continue
		}
		def, err := Parse(p)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Validate checks names, ranks and roles of everything in def.
func Validate(def *Definition) error {
	if def.Application == "" {
		return ErrNoApplication
	}
	if err := plan.ValidateName("application", def.Application); err != nil {
		return err
	}

	envs := make(map[string]bool)
	for _, env := range def.Environments {
		if envs[env.Name] {
			return zerr.With(zerr.Wrap(ErrDuplicateName, "invalid environments"), "environment", env.Name)
		}
		envs[env.Name] = true

		if err := plan.ValidateEnvironment(env); err != nil {
			return err
		}
		servers := make(map[string]bool)
		for _, s := range env.Servers {
			if servers[s.Name] {
				return zerr.With(zerr.With(zerr.Wrap(ErrDuplicateName, "invalid servers"), "environment", env.Name), "server", s.Name)
			}
			servers[s.Name] = true
		}
	}

	tasks := make(map[string]bool)
	for _, task := range def.Tasks {
		if tasks[task.Name] {
			return zerr.With(zerr.Wrap(ErrDuplicateName, "invalid tasks"), "task", task.Name)
		}
		tasks[task.Name] = true

		if err := plan.ValidateTask(task); err != nil {
			return err
		}
	}
	return nil
}
