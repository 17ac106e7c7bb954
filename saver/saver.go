// Package saver manages the output directory of a run.
//
// A Saver without a directory is valid: every save is a
// no-op, so runs can be started without persisting
// anything.
package saver

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/unixpickle/essentials"
	"gopkg.in/yaml.v3"
)

// SettingsFile is the name of the saved settings.
const SettingsFile = "settings.yaml"

// Saver writes run artifacts to a directory.
type Saver struct {
	// Dir is the output directory, or "" if nothing
	// should be saved.
	Dir string

	// RunID identifies the run in the run index.
	RunID string
}

// New creates a Saver for the directory.
func New(dir string) *Saver {
	return &Saver{Dir: dir, RunID: uuid.NewString()}
}

// Enabled checks if the Saver has a directory.
func (s *Saver) Enabled() bool {
	return s.Dir != ""
}

// SaveFile returns the path for a file in the output
// directory, or "" if saving is disabled.
func (s *Saver) SaveFile(name string) string {
	if !s.Enabled() {
		return ""
	}
	return filepath.Join(s.Dir, name)
}

// SaveSettings writes the settings of the run as YAML.
func (s *Saver) SaveSettings(command string, settings any) (err error) {
	if !s.Enabled() {
		return nil
	}
	defer essentials.AddCtxTo("save settings", &err)
	doc := struct {
		RunID    string `yaml:"run_id"`
		Command  string `yaml:"command"`
		Settings any    `yaml:"settings"`
	}{s.RunID, command, settings}
	return s.SaveYAML(SettingsFile, doc)
}

// SaveYAML writes a YAML file to the output directory.
func (s *Saver) SaveYAML(name string, v any) error {
	if !s.Enabled() {
		return nil
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(s.SaveFile(name), data, 0644)
}

// SaveCSV writes a table of numbers to the output
// directory.
func (s *Saver) SaveCSV(name string, header []string, rows [][]float64) (err error) {
	if !s.Enabled() {
		return nil
	}
	defer essentials.AddCtxTo("save "+name, &err)
	f, err := os.Create(s.SaveFile(name))
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		record := make([]string, len(row))
		for i, x := range row {
			record[i] = strconv.FormatFloat(x, 'g', -1, 64)
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

var placeholderExpr = regexp.MustCompile(`\{([a-z0-9_]+)\}`)

// CreateDirName fills in a directory template.
//
// Placeholders are written as {name} and must all be
// present in vars.
// Every switch whose boolean flag is set in fs is
// appended as "_<switch>".
// Switch names use underscores, flag names use dashes.
func CreateDirName(template string, vars map[string]string, switches []string,
	fs *pflag.FlagSet) (string, error) {
	var missing []string
	name := placeholderExpr.ReplaceAllStringFunc(template, func(p string) string {
		key := p[1 : len(p)-1]
		val, ok := vars[key]
		if !ok {
			missing = append(missing, key)
		}
		return val
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("create dir name: missing variables: %s",
			strings.Join(missing, ", "))
	}
	for _, sw := range switches {
		set, err := fs.GetBool(strings.ReplaceAll(sw, "_", "-"))
		if err != nil {
			return "", essentials.AddCtx("create dir name", err)
		}
		if set {
			name += "_" + sw
		}
	}
	return name, nil
}

// FormatFloat renders a float the way it appears in
// directory names.
func FormatFloat(x float64) string {
	return strconv.FormatFloat(x, 'g', 6, 64)
}

// CreateDir creates the directory and, optionally, a new
// run_<n> sub-directory with the smallest unused n.
func CreateDir(dir string, addRunSubdir bool) (path string, err error) {
	defer essentials.AddCtxTo("create dir", &err)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	if !addRunSubdir {
		return dir, nil
	}
	for i := 1; ; i++ {
		path = filepath.Join(dir, "run_"+strconv.Itoa(i))
		if err := os.Mkdir(path, 0755); err == nil {
			return path, nil
		} else if !os.IsExist(err) {
			return "", err
		}
	}
}
