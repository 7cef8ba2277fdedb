// Package workflowfile reads workflow definitions authored as YAML or JSON
// files. Both formats map onto the same JSON shape the API accepts.
package workflowfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/calflow/pkg/schema"
)

// Format is the encoding of a workflow file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatOf picks the format from a file extension. Unknown extensions are
// read as YAML, which also accepts JSON.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Load reads and parses one workflow file.
func Load(path string) (*schema.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	wf, err := Parse(data, FormatOf(path))
	if err != nil {
		if fe, ok := schema.AsFlowError(err); ok {
			return nil, fe.WithDetails(map[string]any{"file": path})
		}
		return nil, err
	}
	return wf, nil
}

// ListDir returns the .yaml, .yml and .json files in dir, sorted by name.
func ListDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read workflows dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// LoadDir loads every workflow file in dir. The first broken file stops the
// load.
func LoadDir(dir string) ([]*schema.Workflow, error) {
	paths, err := ListDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]*schema.Workflow, 0, len(paths))
	for _, p := range paths {
		wf, err := Load(p)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

// Parse decodes a workflow. Unknown top-level, node and edge fields are
// rejected so typos surface at load time instead of as silent defaults.
func Parse(data []byte, format Format) (*schema.Workflow, error) {
	raw := data
	if format != FormatJSON {
		var doc any
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, schema.NewError(schema.ErrCodeValidation, "workflow file is empty")
			}
			return nil, schema.NewError(schema.ErrCodeValidation, "parse workflow YAML: "+err.Error()).WithCause(err)
		}
		b, err := json.Marshal(normalize(doc))
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "convert workflow YAML: "+err.Error()).WithCause(err)
		}
		raw = b
	}

	var wf schema.Workflow
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wf); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode workflow: "+err.Error()).WithCause(err)
	}
	if wf.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	return &wf, nil
}

// Marshal encodes a workflow as YAML.
func Marshal(wf *schema.Workflow) ([]byte, error) {
	b, err := json.Marshal(wf)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow: %w", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("marshal workflow: %w", err)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode workflow YAML: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode workflow YAML: %w", err)
	}
	return buf.Bytes(), nil
}

// normalize turns YAML mappings with non-string keys into string-keyed maps
// so the document can round-trip through encoding/json.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case []any:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	}
	return v
}
