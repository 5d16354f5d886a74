package build

import (
	"fmt"
	"strings"

	"github.com/mellea-ai/mellea-platform/controlplane/constants"
	"github.com/mellea-ai/mellea-platform/controlplane/types"
)

// baseImages is the fixed interpreter-version to base-image map. Unknown
// versions fall back to the default interpreter's image.
var baseImages = map[string]string{
	"3.10": "python:3.10-slim-bookworm",
	"3.11": "python:3.11-slim-bookworm",
	"3.12": "python:3.12-slim-bookworm",
	"3.13": "python:3.13-slim-bookworm",
}

func baseImage(interpreterVersion string) string {
	if img, ok := baseImages[interpreterVersion]; ok {
		return img
	}
	return baseImages[DefaultInterpreterVersion]
}

// RequirementsFile renders the spec's packages as a pip requirements file in
// canonical sorted order. The ordering is part of the cache identity and must
// not change.
func RequirementsFile(spec types.DependencySpec) string {
	var b strings.Builder
	for _, p := range sortedPackages(spec) {
		b.WriteString(p.Name)
		if len(p.Extras) > 0 {
			b.WriteString("[" + strings.Join(p.Extras, ",") + "]")
		}
		if p.Version != "" {
			b.WriteString("==" + p.Version)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// sortedPackages shares normalization with the cache key so the requirements
// file can never drift from it.
func sortedPackages(spec types.DependencySpec) []canonicalPackage {
	return canonicalPackages(spec)
}

// DepsDockerfile renders the dependency-layer Dockerfile. With cacheMount the
// pip invocation uses a BuildKit cache mount; Kaniko and the classic builder
// need the plain form.
func DepsDockerfile(spec types.DependencySpec, cacheMount bool) string {
	pip := "RUN pip install --no-cache-dir -r requirements.txt"
	if cacheMount {
		pip = "RUN --mount=type=cache,target=/root/.cache/pip pip install -r requirements.txt"
	}
	return fmt.Sprintf(`FROM %s
ENV PYTHONDONTWRITEBYTECODE=1 PYTHONUNBUFFERED=1
WORKDIR /app
COPY requirements.txt .
%s
`, baseImage(InterpreterVersion(spec)), pip)
}

// ProgramDockerfile renders the program layer on top of a built deps image.
func ProgramDockerfile(depsImageTag, entrypoint string) string {
	return fmt.Sprintf(`FROM %s
WORKDIR /app
COPY . /app
ENV MELLEA_ENTRYPOINT=%s
CMD ["python", "%s"]
`, depsImageTag, entrypoint, entrypoint)
}

// CombinedDockerfile folds both layers into one Dockerfile for builders that
// cannot share intermediate images across jobs.
func CombinedDockerfile(spec types.DependencySpec, entrypoint string) string {
	var b strings.Builder
	b.WriteString("FROM " + baseImage(InterpreterVersion(spec)) + "\n")
	b.WriteString("ENV PYTHONDONTWRITEBYTECODE=1 PYTHONUNBUFFERED=1\n")
	b.WriteString("WORKDIR /app\n")
	if len(spec.Packages) > 0 {
		b.WriteString("COPY requirements.txt .\n")
		b.WriteString("RUN pip install --no-cache-dir -r requirements.txt\n")
	}
	b.WriteString("COPY . /app\n")
	b.WriteString("ENV MELLEA_ENTRYPOINT=" + entrypoint + "\n")
	b.WriteString(fmt.Sprintf("CMD [\"python\", \"%s\"]\n", entrypoint))
	return b.String()
}

// DepsImageTag returns the dependency layer tag for a cache key, prefixed
// with the registry when one is configured.
func DepsImageTag(registryURL, cacheKey string) string {
	return prefixRegistry(registryURL, fmt.Sprintf("%s:%s", constants.DepsImagePrefix, shortRef(cacheKey)))
}

// ProgramImageTag returns the program image tag for a program id.
func ProgramImageTag(registryURL, programID string) string {
	return prefixRegistry(registryURL, fmt.Sprintf("%s:%s", constants.ProgramImagePrefix, shortRef(programID)))
}

func prefixRegistry(registryURL, tag string) string {
	if registryURL == "" {
		return tag
	}
	return strings.TrimSuffix(registryURL, "/") + "/" + tag
}

func shortRef(s string) string {
	s = strings.ToLower(s)
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
