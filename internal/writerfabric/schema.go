package writerfabric

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// CurrentSchemaVersion is the schema.json version every writer in this
// package produces: 2 (global recv_seq), matching the stated
// "current: 2" convention rather than the original Python
// implementation's SCHEMA_VERSION = 3.
const CurrentSchemaVersion = 2

type StreamSchema struct {
	Name    string   `json:"name"`
	Path    string   `json:"path"`
	Format  string   `json:"format"`
	Columns []string `json:"columns,omitempty"`
}

type Schema struct {
	SchemaVersion int            `json:"schema_version"`
	RunID         string         `json:"run_id"`
	Symbol        string         `json:"symbol"`
	Exchange      string         `json:"exchange"`
	Streams       []StreamSchema `json:"streams"`
}

// WriteSchemaFile writes schema.json into dir on run startup, describing
// every stream file's columns and the version the writers produce.
func WriteSchemaFile(dir string, schema Schema) error {
	schema.SchemaVersion = CurrentSchemaVersion
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("writerfabric: mkdir %s: %w", dir, err)
	}
	body, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "schema.json"), body, 0o644)
}
