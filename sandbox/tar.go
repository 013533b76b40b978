package sandbox

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ExtractTarToDir extracts tar.gz data to the destination directory safely
func ExtractTarToDir(fs FileSystem, tarData []byte, destDir string) error {
	gzipReader, err := gzip.NewReader(bytes.NewReader(tarData))
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar: %w", err)
		}

		// Validate the path to prevent directory traversal
		cleanName := filepath.Clean(header.Name)
		if strings.Contains(cleanName, "..") {
			return fmt.Errorf("unsafe relative path in tar: %s", header.Name)
		}

		filePath := filepath.Join(destDir, cleanName)
		if !strings.HasPrefix(filePath, destDir) {
			return fmt.Errorf("invalid file path in tar: %s", header.Name)
		}

		if filepath.IsAbs(header.Name) {
			return fmt.Errorf("absolute path not allowed in tar: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := fs.MkdirAll(filePath, DirPermission); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := fs.MkdirAll(filepath.Dir(filePath), DirPermission); err != nil {
				return fmt.Errorf("failed to create parent directories: %w", err)
			}

			fileContent := make([]byte, header.Size)
			if _, err := io.ReadFull(tarReader, fileContent); err != nil {
				return fmt.Errorf("failed to read file content: %w", err)
			}

			if err := fs.WriteFile(filePath, fileContent, FilePermission); err != nil {
				return fmt.Errorf("failed to write file: %w", err)
			}
		default:
			return fmt.Errorf("unsupported file type in tar: %c", header.Typeflag)
		}
	}

	return nil
}

// ShouldExcludeFile reports whether the relative path matches any of the
// exclude patterns. A pattern matches the path itself, its base name, or, for
// directory patterns like "node_modules", anything under that directory.
func ShouldExcludeFile(relPath string, excludePatterns []string) bool {
	base := filepath.Base(relPath)
	for _, pattern := range excludePatterns {
		if matched, err := filepath.Match(pattern, relPath); err == nil && matched {
			return true
		}
		if matched, err := filepath.Match(pattern, base); err == nil && matched {
			return true
		}
		for _, part := range strings.Split(filepath.ToSlash(relPath), "/") {
			if matched, err := filepath.Match(pattern, part); err == nil && matched {
				return true
			}
		}
	}
	return false
}

// CreateTarFromDir creates a tar.gz archive from a directory
func CreateTarFromDir(srcDir string) ([]byte, error) {
	return CreateTarFromDirWithExcludes(srcDir, nil)
}

// CreateTarFromDirWithExcludes creates a tar.gz archive from a directory,
// skipping entries that match the exclude patterns
func CreateTarFromDirWithExcludes(srcDir string, excludePatterns []string) ([]byte, error) {
	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	tarWriter := tar.NewWriter(gzipWriter)

	err := filepath.Walk(srcDir, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, file)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		if ShouldExcludeFile(relPath, excludePatterns) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		header, err := tar.FileInfoHeader(fi, file)
		if err != nil {
			return err
		}
		header.Name = relPath

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}

		if !fi.IsDir() {
			data, err := os.Open(file)
			if err != nil {
				return err
			}
			defer data.Close()

			if _, err := io.Copy(tarWriter, data); err != nil {
				return err
			}
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	if err := tarWriter.Close(); err != nil {
		return nil, err
	}

	if err := gzipWriter.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
