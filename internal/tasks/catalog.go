package tasks

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"trackersched/internal/core"
)

// MinCatalogID is the lowest id a catalog task may use.
const MinCatalogID = 100

type catalogFile struct {
	Tasks []catalogTask `yaml:"tasks"`
}

type catalogTask struct {
	ID         int    `yaml:"id"`
	Name       string `yaml:"name"`
	Interval   string `yaml:"interval"`
	Enabled    *bool  `yaml:"enabled"`
	Command    string `yaml:"command"`
	WorkingDir string `yaml:"working_dir"`
}

// LoadCatalog reads shell tasks from a YAML file. An empty path yields no tasks.
//
//	tasks:
//	  - id: 100
//	    name: Refresh request search delta
//	    interval: 10m
//	    command: php scripts/sphinx_delta.php
//	    working_dir: /var/www
func LoadCatalog(path string) ([]core.Entry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return ParseCatalog(f)
}

// ParseCatalog decodes a catalog document. Unknown fields are rejected.
func ParseCatalog(r io.Reader) ([]core.Entry, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc catalogFile
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	entries := make([]core.Entry, 0, len(doc.Tasks))
	for i, t := range doc.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		if t.ID < MinCatalogID {
			return nil, fmt.Errorf("%s: id must be >= %d", path, MinCatalogID)
		}
		if strings.TrimSpace(t.Command) == "" {
			return nil, fmt.Errorf("%s: command is required", path)
		}
		interval, err := parseInterval(path, t.Interval)
		if err != nil {
			return nil, err
		}
		name := strings.TrimSpace(t.Name)
		if name == "" {
			name = t.Command
		}
		enabled := true
		if t.Enabled != nil {
			enabled = *t.Enabled
		}
		entries = append(entries, core.Entry{
			Definition: core.TaskDefinition{ID: t.ID, Name: name, Interval: interval, Enabled: enabled},
			Task:       core.ShellTask{Command: t.Command, WorkingDir: t.WorkingDir},
		})
	}
	return entries, nil
}

func parseInterval(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid interval %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: interval must be >= 0", path)
	}
	return d, nil
}

// NewRegistry combines the built-in jobs with the catalog in that order.
func NewRegistry(deps Deps, catalogPath string) (*core.Registry, error) {
	extra, err := LoadCatalog(catalogPath)
	if err != nil {
		return nil, err
	}
	return core.NewRegistry(append(Builtin(deps), extra...)...)
}
