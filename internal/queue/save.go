package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Save writes q to path atomically: the document goes to a temporary file in
// the same directory which is then renamed over the target. A .json extension
// selects JSON, anything else YAML.
//
// Save is for the validation step before workers start. Running workers treat
// the file as read-only.
func Save(q *Queue, path string) error {
	data, err := Marshal(q, path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName) // best-effort cleanup
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Marshal encodes q in the format implied by path's extension.
func Marshal(q *Queue, path string) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err := json.MarshalIndent(q, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal queue: %w", err)
		}
		return append(data, '\n'), nil
	}

	var sb strings.Builder
	enc := yaml.NewEncoder(&sb)
	enc.SetIndent(2)
	if err := enc.Encode(q); err != nil {
		return nil, fmt.Errorf("marshal queue: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("marshal queue: %w", err)
	}
	return []byte(sb.String()), nil
}
