// Package image builds the immutable runtime image a pipeline run executes
// in. The tag is a pure function of the resolved Pin and a hash of the build
// inputs, so two builders working from identical inputs converge on the same
// tag without coordination.
package image

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/quantfold/btq/pkg/pin"
)

// RuntimeImage describes a built, uniquely-tagged execution environment.
// The tag→content mapping is one-to-one; an existing tag is never mutated.
type RuntimeImage struct {
	Repo    string    `json:"repo"` // "<registry-host>/<repo>"
	Tag     string    `json:"tag"`
	Digest  string    `json:"digest"` // content ID after build, repo digest after push
	BuiltAt time.Time `json:"built_at"`
}

// Ref returns the full image reference "<repo>:<tag>".
func (img RuntimeImage) Ref() string {
	return img.Repo + ":" + img.Tag
}

// Tag derives the deterministic image tag from the pin and the build inputs
// hash: "<commit[:12]>-<hash[:12]>".
func Tag(p pin.Pin, inputsHash string) string {
	h := inputsHash
	if len(h) > 12 {
		h = h[:12]
	}
	return p.Short() + "-" + h
}

// InputsHash computes the canonical hash of a build-context directory: the
// sha256 over the sorted (relative path, content sha256) pairs of every
// regular file. Identical inputs hash identically on any host; file order,
// timestamps and ownership do not participate.
func InputsHash(dir string) (string, error) {
	paths, err := contextPaths(dir)
	if err != nil {
		return "", err
	}

	sum := sha256.New()
	for _, rel := range paths {
		f, err := os.Open(filepath.Join(dir, rel))
		if err != nil {
			return "", err
		}
		fileSum := sha256.New()
		_, err = io.Copy(fileSum, f)
		f.Close()
		if err != nil {
			return "", err
		}
		fmt.Fprintf(sum, "%s\x00%s\n", filepath.ToSlash(rel), hex.EncodeToString(fileSum.Sum(nil)))
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// contextPaths lists the regular files of a build context, sorted, relative
// to dir. VCS metadata is excluded: the Pin already identifies the source.
func contextPaths(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(paths, func(i, j int) bool {
		return filepath.ToSlash(paths[i]) < filepath.ToSlash(paths[j])
	})
	return paths, nil
}

// ParseRef splits "repo:tag" back into its parts. The last colon after the
// final slash separates the tag.
func ParseRef(ref string) (repo, tag string, err error) {
	slash := strings.LastIndex(ref, "/")
	colon := strings.LastIndex(ref, ":")
	if colon <= slash {
		return "", "", fmt.Errorf("image reference %q has no tag", ref)
	}
	return ref[:colon], ref[colon+1:], nil
}
