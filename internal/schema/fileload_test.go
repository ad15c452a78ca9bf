package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatdb/goatdb/internal/value"
)

func writeSchemaFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFileParsesFieldsAndDefaults(t *testing.T) {
	path := writeSchemaFile(t, `
namespace: task
version: 1
fields:
  title:
    type: string
    required: true
  done:
    type: bool
    default: false
  priority:
    type: int
    default: 0
`)

	s, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "task", s.Namespace)
	assert.Equal(t, 1, s.Version)
	require.Contains(t, s.Fields, "title")
	assert.Equal(t, value.KindStr, s.Fields["title"].Type)
	assert.True(t, s.Fields["title"].Required)
	assert.Equal(t, value.Bool(false), s.Fields["done"].Default)
	assert.Equal(t, value.Int(0), s.Fields["priority"].Default)
}

func TestLoadFileRejectsUnknownType(t *testing.T) {
	path := writeSchemaFile(t, "namespace: task\nversion: 1\nfields:\n  x:\n    type: wat\n")
	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestLoadFileRejectsCompositeDefault(t *testing.T) {
	path := writeSchemaFile(t, "namespace: task\nversion: 1\nfields:\n  tags:\n    type: set\n    default: [a, b]\n")
	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestLoadFileRejectsMissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
