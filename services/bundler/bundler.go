// Package bundler builds, verifies, and pushes signed model bundles: a
// tar.zst archive holding manifest.yaml plus the model files, with an
// ed25519 signature over the manifest.
package bundler

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

const (
	manifestFileName = "manifest.yaml"
	modelTarPrefix   = "model"
)

// Build assembles a signed bundle from the model directory and writes the
// tar.zst archive to cfg.Output.
func Build(ctx context.Context, cfg BuildConfig) (*Manifest, error) {
	if cfg.ModelDir == "" {
		return nil, errors.New("model directory is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Name == "" || cfg.Version == "" {
		return nil, errors.New("model name and version are required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(cfg.ModelDir)
	if err != nil {
		return nil, fmt.Errorf("stat model dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("model dir %q is not a directory", cfg.ModelDir)
	}

	entries, err := collectFiles(ctx, cfg.ModelDir)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.New("no files found to bundle")
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})

	manifest := &Manifest{
		Version:   ManifestVersion,
		CreatedAt: cfg.Now().UTC().Truncate(time.Second),
		Model: ModelInfo{
			Name:      cfg.Name,
			Version:   cfg.Version,
			Framework: cfg.Framework,
			Type:      cfg.Type,
			Tags:      cfg.Tags,
		},
		Signer:           cfg.Signer.Recipient(),
		SigningPublicKey: cfg.Signer.PublicKeyBase64(),
		Files:            entries,
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	sig, err := cfg.Signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	manifest.Signature = sig

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeBundle(cfg.Output, manifestBytes, cfg.ModelDir, entries); err != nil {
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "wrote bundle %s (%d files)\n", cfg.Output, len(entries))
	return manifest, nil
}

// ReadManifest extracts and validates the manifest from bundle bytes without
// checking signatures or file digests.
func ReadManifest(data []byte) (*Manifest, error) {
	var manifest *Manifest
	err := walkBundle(data, func(header *tar.Header, r io.Reader) error {
		if header.Name != manifestFileName {
			return nil
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("read manifest: %w", err)
		}
		var m Manifest
		if err := yaml.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("parse manifest: %w", err)
		}
		manifest = &m
		return nil
	})
	if err != nil {
		return nil, err
	}
	if manifest == nil {
		return nil, fmt.Errorf("bundle has no %s", manifestFileName)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return manifest, nil
}

// Verify fully checks bundle bytes: manifest signature against the signer's
// key, then every packaged file's size and sha256 against the manifest.
func Verify(data []byte, signer *Signer) (*Manifest, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}

	manifest, err := ReadManifest(data)
	if err != nil {
		return nil, err
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
		return nil, err
	}

	want := make(map[string]ManifestFile, len(manifest.Files))
	for _, f := range manifest.Files {
		want[f.Path] = f
	}

	seen := make(map[string]struct{}, len(want))
	err = walkBundle(data, func(header *tar.Header, r io.Reader) error {
		rel, ok := strings.CutPrefix(header.Name, modelTarPrefix+"/")
		if !ok {
			return nil
		}
		entry, listed := want[rel]
		if !listed {
			return fmt.Errorf("bundle contains unlisted file %q", rel)
		}
		hash := sha256.New()
		size, err := io.Copy(hash, r)
		if err != nil {
			return fmt.Errorf("hash %q: %w", rel, err)
		}
		if size != entry.Size {
			return fmt.Errorf("file %q size %d does not match manifest %d", rel, size, entry.Size)
		}
		if sum := hex.EncodeToString(hash.Sum(nil)); sum != entry.SHA256 {
			return fmt.Errorf("file %q digest mismatch", rel)
		}
		seen[rel] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for path := range want {
		if _, ok := seen[path]; !ok {
			return nil, fmt.Errorf("bundle is missing %q listed in manifest", path)
		}
	}

	return manifest, nil
}

func walkBundle(data []byte, fn func(header *tar.Header, r io.Reader) error) error {
	decoder, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	tr := tar.NewReader(decoder)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read bundle: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if err := fn(header, tr); err != nil {
			return err
		}
	}
}

func collectFiles(ctx context.Context, root string) ([]ManifestFile, error) {
	var files []ManifestFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", path, err)
		}
		rel = filepath.ToSlash(rel)

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %q: %w", path, err)
		}
		hash := sha256.New()
		size, err := io.Copy(hash, file)
		file.Close()
		if err != nil {
			return fmt.Errorf("hash %q: %w", path, err)
		}

		files = append(files, ManifestFile{
			Path:   rel,
			Size:   size,
			SHA256: hex.EncodeToString(hash.Sum(nil)),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func writeBundle(output string, manifest []byte, modelDir string, entries []ManifestFile) error {
	dir := filepath.Dir(output)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer file.Close()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	defer encoder.Close()

	tw := tar.NewWriter(encoder)
	defer tw.Close()

	manifestHeader := &tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  time.Now().UTC(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(manifestHeader); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	for _, entry := range entries {
		fullPath := filepath.Join(modelDir, filepath.FromSlash(entry.Path))
		info, err := os.Stat(fullPath)
		if err != nil {
			return fmt.Errorf("stat %q: %w", entry.Path, err)
		}
		file, err := os.Open(fullPath)
		if err != nil {
			return fmt.Errorf("open %q: %w", entry.Path, err)
		}

		header := &tar.Header{
			Name:     filepath.ToSlash(filepath.Join(modelTarPrefix, entry.Path)),
			Mode:     int64(info.Mode().Perm()),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			file.Close()
			return fmt.Errorf("write header for %q: %w", entry.Path, err)
		}
		if _, err := io.Copy(tw, file); err != nil {
			file.Close()
			return fmt.Errorf("copy %q: %w", entry.Path, err)
		}
		file.Close()
	}

	return nil
}
