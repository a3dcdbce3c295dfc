package packs

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// ManifestFile is the well-known manifest name inside a pack bundle.
	ManifestFile = "pack.yaml"

	// MediaTypeConfig is the OCI config blob media type (JSON manifest).
	MediaTypeConfig = "application/vnd.llmctl.pack.config.v1+json"
	// MediaTypeContent is the content layer media type (gzipped tarball).
	MediaTypeContent = "application/vnd.llmctl.pack.content.v1.tar+gzip"
	// ArtifactType identifies llmctl instruction packs in OCI manifests.
	ArtifactType = "application/vnd.llmctl.pack.v1"

	maxBundleFileSize = 8 << 20
)

// Bundle is a packed instruction pack ready to push: the JSON config blob
// plus the tar.gz content layer.
type Bundle struct {
	Manifest *Manifest
	Config   []byte
	Content  []byte
}

// PackDir reads a pack directory, validates its manifest, and produces a
// deterministic tar.gz bundle. Files are archived in sorted path order with
// zeroed timestamps so the same directory always yields the same digest.
func PackDir(dir string) (*Bundle, error) {
	manifestData, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ManifestFile, err)
	}
	m, err := ParseManifest(manifestData)
	if err != nil {
		return nil, err
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk pack dir: %w", err)
	}
	sort.Strings(files)

	for _, r := range m.Roles {
		if !containsFile(files, r.File) {
			return nil, fmt.Errorf("pack manifest: role %q references missing file %q", r.ID, r.File)
		}
	}
	for _, a := range m.Agents {
		if !containsFile(files, a.File) {
			return nil, fmt.Errorf("pack manifest: agent %q references missing file %q", a.ID, a.File)
		}
	}
	if m.Priorities != "" && !containsFile(files, m.Priorities) {
		return nil, fmt.Errorf("pack manifest: priorities references missing file %q", m.Priorities)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", rel, err)
		}
		if len(data) > maxBundleFileSize {
			return nil, fmt.Errorf("pack file %s exceeds %d bytes", rel, maxBundleFileSize)
		}
		hdr := &tar.Header{
			Name: rel,
			Mode: 0o644,
			Size: int64(len(data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write tar header for %s: %w", rel, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("write tar entry %s: %w", rel, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}

	m.Files = files
	config, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	return &Bundle{Manifest: m, Config: config, Content: buf.Bytes()}, nil
}

// Unpack extracts a pack content layer into destDir. Entries that would
// escape destDir are rejected.
func Unpack(content []byte, destDir string) error {
	gz, err := gzip.NewReader(bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.FromSlash(hdr.Name)
		if filepath.IsAbs(name) || strings.Contains(hdr.Name, "..") {
			return fmt.Errorf("unsafe path in bundle: %q", hdr.Name)
		}
		target := filepath.Join(destDir, name)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("mkdir for %s: %w", hdr.Name, err)
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("create %s: %w", hdr.Name, err)
		}
		if _, err := io.CopyN(f, tr, hdr.Size); err != nil && err != io.EOF {
			f.Close()
			return fmt.Errorf("extract %s: %w", hdr.Name, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close %s: %w", hdr.Name, err)
		}
	}
	return nil
}

func containsFile(files []string, name string) bool {
	i := sort.SearchStrings(files, name)
	return i < len(files) && files[i] == name
}
