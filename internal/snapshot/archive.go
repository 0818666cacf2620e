package snapshot

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// maxEntrySize bounds a single archive entry.
const maxEntrySize = 64 << 20

type archivedFile struct {
	Path string
	Data []byte
}

// Validate verifies archive structure and file checksums and returns the manifest.
func Validate(inputPath string) (*Manifest, error) {
	manifest, _, err := loadArchive(inputPath)
	if err != nil {
		return nil, err
	}
	return manifest, nil
}

func loadArchive(inputPath string) (*Manifest, map[string]archivedFile, error) {
	if inputPath == "" {
		return nil, nil, fmt.Errorf("input path is required")
	}

	files, err := readArchiveFiles(inputPath)
	if err != nil {
		return nil, nil, err
	}

	manifestFile, ok := files[manifestArchivePath]
	if !ok {
		return nil, nil, fmt.Errorf("snapshot is missing %s", manifestArchivePath)
	}
	manifest, err := decodeManifest(manifestFile.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if err := validateAgainstManifest(manifest, files); err != nil {
		return nil, nil, err
	}
	return manifest, files, nil
}

func readArchiveFiles(inputPath string) (map[string]archivedFile, error) {
	file, err := os.Open(inputPath) // #nosec G304 -- caller controls path
	if err != nil {
		return nil, fmt.Errorf("opening snapshot: %w", err)
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	files := make(map[string]archivedFile)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			return nil, fmt.Errorf("unsupported tar entry type %d for %s", header.Typeflag, header.Name)
		}

		entryPath, err := cleanArchivePath(header.Name)
		if err != nil {
			return nil, fmt.Errorf("invalid archive path %q: %w", header.Name, err)
		}
		if header.Size > maxEntrySize {
			return nil, fmt.Errorf("archive entry %s exceeds %d bytes", entryPath, maxEntrySize)
		}
		data, err := io.ReadAll(io.LimitReader(tarReader, maxEntrySize))
		if err != nil {
			return nil, fmt.Errorf("reading tar entry %s: %w", entryPath, err)
		}
		files[entryPath] = archivedFile{Path: entryPath, Data: data}
	}
	return files, nil
}

func validateAgainstManifest(manifest *Manifest, files map[string]archivedFile) error {
	for _, entry := range manifest.Files {
		f, ok := files[entry.Path]
		if !ok {
			return fmt.Errorf("manifest entry not found in archive: %s", entry.Path)
		}
		if int64(len(f.Data)) != entry.Size {
			return fmt.Errorf("size mismatch for %s: manifest=%d archive=%d", entry.Path, entry.Size, len(f.Data))
		}
		if sum := checksum(f.Data); sum != entry.SHA256 {
			return fmt.Errorf("checksum mismatch for %s", entry.Path)
		}
	}
	for _, wf := range manifest.Workflows {
		if _, ok := files[workflowArchivePath(wf.ID, workflowFileName)]; !ok {
			return fmt.Errorf("workflow %s listed in manifest but not archived", wf.ID)
		}
	}
	return nil
}

func addBytesToArchive(tw *tar.Writer, manifest *Manifest, archivePath string, data []byte) error {
	clean, err := cleanArchivePath(archivePath)
	if err != nil {
		return err
	}
	if err := writeTarEntry(tw, clean, data); err != nil {
		return fmt.Errorf("writing %s: %w", clean, err)
	}
	manifest.Files = append(manifest.Files, FileEntry{
		Path:   clean,
		SHA256: checksum(data),
		Size:   int64(len(data)),
	})
	return nil
}

func writeTarEntry(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name:     name,
		Mode:     0o600,
		Size:     int64(len(data)),
		ModTime:  time.Now().UTC(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

func workflowArchivePath(id core.WorkflowID, name string) string {
	return path.Join(workflowsArchiveRoot, string(id), name)
}

// cleanArchivePath rejects absolute paths and traversal outside the archive root.
func cleanArchivePath(p string) (string, error) {
	p = strings.ReplaceAll(p, `\`, "/")
	if p == "" {
		return "", fmt.Errorf("empty archive path")
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("absolute archive path is not allowed: %s", p)
	}
	clean := path.Clean(strings.TrimPrefix(p, "./"))
	if clean == "." || clean == "" {
		return "", fmt.Errorf("invalid archive path: %s", p)
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path traversal detected: %s", p)
	}
	return clean, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func encodeManifest(manifest *Manifest) ([]byte, error) {
	sort.Slice(manifest.Files, func(i, j int) bool {
		return manifest.Files[i].Path < manifest.Files[j].Path
	})
	return json.MarshalIndent(manifest, "", "  ")
}

func decodeManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, err
	}
	if manifest.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported snapshot version: %d", manifest.Version)
	}
	return &manifest, nil
}
