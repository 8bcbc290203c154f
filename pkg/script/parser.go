package script

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseError represents a parsing error with location info.
type ParseError struct {
	Path    string
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ParseFile parses a single script file.
func ParseFile(path string) (*Script, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- path is user-provided script file
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data, path)
}

// Parse parses script content. JSON is accepted as YAML.
func Parse(data []byte, sourcePath string) (*Script, error) {
	if strings.TrimSpace(string(data)) == "" {
		return nil, &ParseError{Path: sourcePath, Line: 1, Message: "empty script file"}
	}

	var raw struct {
		Script `yaml:",inline"`
		Steps  []yaml.Node `yaml:"steps"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ParseError{Path: sourcePath, Message: err.Error()}
	}

	s := raw.Script
	s.SourcePath = sourcePath
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	}

	for i := range raw.Steps {
		node := &raw.Steps[i]
		var def StepDef
		if err := node.Decode(&def); err != nil {
			return nil, &ParseError{Path: sourcePath, Line: node.Line, Message: fmt.Sprintf("step %d: %v", i+1, err)}
		}
		def.Line = node.Line
		if def.Type == "" {
			def.Type = inferType(def)
		}
		s.Steps = append(s.Steps, def)
	}

	return &s, nil
}

// inferType picks a type for steps that omit it.
func inferType(def StepDef) string {
	if len(def.Candidates) == 0 && def.Action != nil {
		return TypeAction
	}
	return TypeDetect
}

// Discover returns script files under path (a file or a directory), sorted.
func Discover(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot access %s: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != path && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if isScriptFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func isScriptFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
