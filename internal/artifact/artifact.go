// Package artifact holds the filesystem-facing helpers for generated artifact sets:
// entry resolution, dependency manifests, materialization and digests.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/anomalyco/patchpilot/internal/contracts"
)

var (
	ErrNoArtifacts = errors.New("no artifacts produced")
	ErrUnsafePath  = errors.New("artifact path escapes the artifact root")
)

// DefaultManifestNames lists dependency manifests in lookup order.
var DefaultManifestNames = []string{"requirements.txt", "packages.txt"}

// EntryRules controls entry-file resolution for one language.
type EntryRules struct {
	Names      []string
	Extensions []string
	Manifests  []string
}

// ResolveEntry picks the designated entry file: a conventional name first, then
// the lexically first file with a source extension, then the lexically first file.
// Dependency manifests are never chosen.
func ResolveEntry(set contracts.ArtifactSet, rules EntryRules) (string, error) {
	if len(set) == 0 {
		return "", ErrNoArtifacts
	}
	manifests := rules.Manifests
	if len(manifests) == 0 {
		manifests = DefaultManifestNames
	}
	candidates := make([]string, 0, len(set))
	for _, p := range set.Paths() {
		if isManifest(p, manifests) {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: only dependency manifests present", ErrNoArtifacts)
	}

	for _, name := range rules.Names {
		for _, candidate := range candidates {
			if candidate == name {
				return candidate, nil
			}
		}
	}
	for _, name := range rules.Names {
		for _, candidate := range candidates {
			if path.Base(candidate) == name {
				return candidate, nil
			}
		}
	}
	for _, candidate := range candidates {
		if hasExtension(candidate, rules.Extensions) {
			return candidate, nil
		}
	}
	return candidates[0], nil
}

// FindManifest returns the first manifest present at the artifact root.
func FindManifest(set contracts.ArtifactSet, names []string) (string, bool) {
	if len(names) == 0 {
		names = DefaultManifestNames
	}
	for _, name := range names {
		if _, ok := set[name]; ok {
			return name, true
		}
	}
	return "", false
}

// ParseManifest returns the package specifiers in a manifest, one per line.
func ParseManifest(content string) []string {
	specs := []string{}
	for _, line := range strings.Split(content, "\n") {
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		specs = append(specs, line)
	}
	return specs
}

// Materialize writes every artifact below root. Paths must be relative and stay within root.
func Materialize(root string, set contracts.ArtifactSet) error {
	if len(set) == 0 {
		return ErrNoArtifacts
	}
	for _, rel := range set.Paths() {
		target, err := SafeJoin(root, rel)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", rel, err)
		}
		if err := os.WriteFile(target, []byte(set[rel]), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

// SafeJoin resolves a slash-separated artifact path below root.
func SafeJoin(root string, rel string) (string, error) {
	if rel == "" || strings.HasPrefix(rel, "/") || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	cleaned := path.Clean(rel)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	return filepath.Join(root, filepath.FromSlash(cleaned)), nil
}

// LoadDir reads every regular file below dir into an ArtifactSet. Hidden
// directories are skipped.
func LoadDir(dir string) (contracts.ArtifactSet, error) {
	set := contracts.ArtifactSet{}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if p != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		set[filepath.ToSlash(rel)] = string(content)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// Digest is a stable content hash over sorted paths and contents.
func Digest(set contracts.ArtifactSet) string {
	hasher := sha256.New()
	for _, p := range set.Paths() {
		fmt.Fprintf(hasher, "%d:%s", len(p), p)
		fmt.Fprintf(hasher, "%d:%s", len(set[p]), set[p])
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

func isManifest(p string, manifests []string) bool {
	for _, name := range manifests {
		if p == name {
			return true
		}
	}
	return false
}

func hasExtension(p string, extensions []string) bool {
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return false
	}
	for _, candidate := range extensions {
		candidate = strings.ToLower(candidate)
		if !strings.HasPrefix(candidate, ".") {
			candidate = "." + candidate
		}
		if ext == candidate {
			return true
		}
	}
	return false
}
