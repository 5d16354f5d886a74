package build

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/mellea-ai/mellea-platform/controlplane/types"
)

// DefaultInterpreterVersion is assumed when a DependencySpec does not pin one.
const DefaultInterpreterVersion = "3.12"

// canonicalPackage mirrors PackageRef with every field normalized. Field
// order is the serialized key order; changing it changes every cache key.
type canonicalPackage struct {
	Extras  []string `json:"extras"`
	Name    string   `json:"name"`
	Version string   `json:"version"`
}

type canonicalSpec struct {
	Interpreter string             `json:"interpreter"`
	Packages    []canonicalPackage `json:"packages"`
}

// Canonicalize serializes spec into its stable byte form: package names
// lowercased, extras sorted, packages sorted by lowercased name then version,
// missing versions as "", keys in fixed order, no whitespace. Two
// semantically identical specs always produce identical bytes.
func Canonicalize(spec types.DependencySpec) []byte {
	data, err := json.Marshal(canonicalSpec{
		Interpreter: InterpreterVersion(spec),
		Packages:    canonicalPackages(spec),
	})
	if err != nil {
		// canonicalSpec contains only strings and slices; Marshal cannot fail
		panic(err)
	}
	return data
}

// CacheKey returns the hex SHA-256 of the canonical spec bytes. It is the
// identity of a reusable dependency image layer.
func CacheKey(spec types.DependencySpec) string {
	sum := sha256.Sum256(Canonicalize(spec))
	return hex.EncodeToString(sum[:])
}

// InterpreterVersion returns the spec's interpreter version or the default.
func InterpreterVersion(spec types.DependencySpec) string {
	if spec.InterpreterVersion == "" {
		return DefaultInterpreterVersion
	}
	return spec.InterpreterVersion
}

func canonicalPackages(spec types.DependencySpec) []canonicalPackage {
	pkgs := make([]canonicalPackage, 0, len(spec.Packages))
	for _, p := range spec.Packages {
		extras := make([]string, len(p.Extras))
		copy(extras, p.Extras)
		sort.Strings(extras)
		pkgs = append(pkgs, canonicalPackage{
			Extras:  extras,
			Name:    strings.ToLower(p.Name),
			Version: p.Version,
		})
	}
	sort.Slice(pkgs, func(i, j int) bool {
		if pkgs[i].Name != pkgs[j].Name {
			return pkgs[i].Name < pkgs[j].Name
		}
		return pkgs[i].Version < pkgs[j].Version
	})
	return pkgs
}
