// Package modelstore keeps rewriter models in a content addressed
// directory: manifests/<name>/<tag> points at blobs/sha256-<hex>.
package modelstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const (
	DefaultTag     = "latest"
	MediaTypeModel = "application/vnd.rewrite.model.gguf"
	SchemaVersion  = 2
)

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// Dir returns the store root: dir when set, otherwise ~/.rewrite/models.
func Dir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".rewrite", "models"), nil
}

// ParseRef splits "name[:tag]".
func ParseRef(ref string) (name, tag string, err error) {
	name, tag, found := strings.Cut(ref, ":")
	if !found || tag == "" {
		tag = DefaultTag
	}
	if name == "" || strings.ContainsAny(name, `/\`) || strings.ContainsAny(tag, `/\:`) || name == ".." || tag == ".." {
		return "", "", fmt.Errorf("invalid model reference %q", ref)
	}
	return name, tag, nil
}

func manifestPath(root, name, tag string) string {
	return filepath.Join(root, "manifests", name, tag)
}

func blobPath(root, digest string) string {
	return filepath.Join(root, "blobs", strings.Replace(digest, ":", "-", 1))
}

// Resolve maps a model reference to the GGUF blob it names. A ref that is
// an existing file is returned unchanged.
func Resolve(root, ref string) (string, error) {
	if st, err := os.Stat(ref); err == nil && !st.IsDir() {
		return ref, nil
	}
	name, tag, err := ParseRef(ref)
	if err != nil {
		return "", err
	}

	mp := manifestPath(root, name, tag)
	data, err := os.ReadFile(mp)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("model manifest not found at %s", mp)
	}
	if err != nil {
		return "", err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", errors.Wrapf(err, "parse manifest %s", mp)
	}

	var digest string
	for _, l := range m.Layers {
		if l.MediaType == MediaTypeModel {
			digest = l.Digest
			break
		}
	}
	if digest == "" {
		return "", fmt.Errorf("no model layer found in manifest %s", mp)
	}

	bp := blobPath(root, digest)
	if _, err := os.Stat(bp); os.IsNotExist(err) {
		return "", fmt.Errorf("model blob not found at %s", bp)
	}
	return bp, nil
}

// Register copies the model file at src into the store under ref and
// returns the blob path. Re-registering the same content is a no-op apart
// from rewriting the manifest.
func Register(root, ref, src string) (string, error) {
	name, tag, err := ParseRef(ref)
	if err != nil {
		return "", err
	}

	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Join(root, "blobs"), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Join(root, "blobs"), "incoming-*")
	if err != nil {
		return "", err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), in)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", errors.Wrap(err, "copy model blob")
	}

	digest := "sha256:" + hex.EncodeToString(h.Sum(nil))
	bp := blobPath(root, digest)
	if err := os.Rename(tmp.Name(), bp); err != nil {
		return "", err
	}

	m := Manifest{
		SchemaVersion: SchemaVersion,
		Layers:        []Layer{{MediaType: MediaTypeModel, Digest: digest, Size: size}},
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	mp := manifestPath(root, name, tag)
	if err := os.MkdirAll(filepath.Dir(mp), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(mp, data, 0o644); err != nil {
		return "", err
	}
	return bp, nil
}
