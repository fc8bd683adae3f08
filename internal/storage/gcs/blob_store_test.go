package gcs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		prefix string
		path   string
		want   string
	}{
		{"", "run-1/file_0190aaaa.png", "run-1/file_0190aaaa.png"},
		{"archives", "run-1/metadata.json", "archives/run-1/metadata.json"},
		{"archives", "/run-1/../run-1/page.pdf", "archives/run-1/page.pdf"},
		{"", "../../etc/passwd", "etc/passwd"},
		{"a/b", `run\file.bin`, "a/b/run/file.bin"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, objectName(tc.prefix, tc.path), tc.path)
	}

	s := &BlobStore{prefix: "x"}
	assert.Equal(t, "x/y", s.ObjectName("y"))
}
