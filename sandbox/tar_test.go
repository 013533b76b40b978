package sandbox

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0600,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func readTarGz(t *testing.T, data []byte) map[string]string {
	t.Helper()
	gr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(gr)
	files := make(map[string]string)
	for {
		header, err := tr.Next()
		if err != nil {
			break
		}
		if header.Typeflag != tar.TypeReg {
			files[header.Name] = ""
			continue
		}
		var content bytes.Buffer
		_, err = content.ReadFrom(tr)
		require.NoError(t, err)
		files[header.Name] = content.String()
	}
	return files
}

func TestExtractTarToDir(t *testing.T) {
	fs := RealFileSystem{}

	t.Run("RoundTrip", func(t *testing.T) {
		dest := t.TempDir()
		data := makeTarGz(t, map[string]string{
			"util.py":      "def f(): pass",
			"data/seed.db": "binary-ish",
		})

		require.NoError(t, ExtractTarToDir(fs, data, dest))

		content, err := os.ReadFile(filepath.Join(dest, "util.py"))
		require.NoError(t, err)
		assert.Equal(t, "def f(): pass", string(content))

		content, err = os.ReadFile(filepath.Join(dest, "data", "seed.db"))
		require.NoError(t, err)
		assert.Equal(t, "binary-ish", string(content))
	})

	t.Run("RejectsTraversal", func(t *testing.T) {
		dest := t.TempDir()
		data := makeTarGz(t, map[string]string{"../escape.txt": "nope"})
		require.Error(t, ExtractTarToDir(fs, data, dest))
	})

	t.Run("RejectsAbsolutePath", func(t *testing.T) {
		dest := t.TempDir()
		data := makeTarGz(t, map[string]string{"/etc/shadow": "nope"})
		require.Error(t, ExtractTarToDir(fs, data, dest))
	})

	t.Run("RejectsGarbage", func(t *testing.T) {
		dest := t.TempDir()
		require.Error(t, ExtractTarToDir(fs, []byte("not a gzip"), dest))
	})
}

func TestShouldExcludeFile(t *testing.T) {
	tests := []struct {
		name     string
		relPath  string
		patterns []string
		want     bool
	}{
		{name: "NoPatterns", relPath: "main.py", patterns: nil, want: false},
		{name: "ExactName", relPath: "output.json", patterns: []string{"output.json"}, want: true},
		{name: "Glob", relPath: "cache.pyc", patterns: []string{"*.pyc"}, want: true},
		{name: "GlobInSubdir", relPath: "pkg/cache.pyc", patterns: []string{"*.pyc"}, want: true},
		{name: "DirectoryContents", relPath: "node_modules/lib/index.js", patterns: []string{"node_modules"}, want: true},
		{name: "NonMatch", relPath: "main.py", patterns: []string{"*.pyc", "node_modules"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldExcludeFile(tt.relPath, tt.patterns))
		})
	}
}

func TestCreateTarFromDirWithExcludes(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "main.py"), []byte("code"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "result.txt"), []byte("kept"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "junk.pyc"), []byte("skip"), 0600))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "__pycache__"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "__pycache__", "m.pyc"), []byte("skip"), 0600))

	data, err := CreateTarFromDirWithExcludes(src, []string{"*.pyc", "__pycache__"})
	require.NoError(t, err)

	files := readTarGz(t, data)
	assert.Contains(t, files, "main.py")
	assert.Equal(t, "kept", files["result.txt"])
	assert.NotContains(t, files, "junk.pyc")
	assert.NotContains(t, files, "__pycache__")
	assert.NotContains(t, files, filepath.Join("__pycache__", "m.pyc"))
}

func TestCreateTarFromDirRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0600))

	data, err := CreateTarFromDir(src)
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, ExtractTarToDir(RealFileSystem{}, data, dest))

	content, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(content))
}
