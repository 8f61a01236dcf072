package worker

import (
	"bytes"
	"context"
	"path"
	"strings"

	"github.com/go-enry/go-enry/v2"

	"github.com/JakeFAU/repo-scanner/internal/scan"
)

var manifests = map[string]string{
	"go.mod":            "go",
	"package.json":      "npm",
	"package-lock.json": "npm",
	"yarn.lock":         "yarn",
	"pnpm-lock.yaml":    "pnpm",
	"requirements.txt":  "pip",
	"pipfile":           "pipenv",
	"pyproject.toml":    "python",
	"setup.py":          "python",
	"pom.xml":           "maven",
	"build.gradle":      "gradle",
	"build.gradle.kts":  "gradle",
	"cargo.toml":        "cargo",
	"gemfile":           "bundler",
	"composer.json":     "composer",
	"mix.exs":           "hex",
	"pubspec.yaml":      "pub",
	"packages.config":   "nuget",
}

var infraFiles = map[string]string{
	"dockerfile":          "docker",
	"docker-compose.yml":  "compose",
	"docker-compose.yaml": "compose",
	"compose.yml":         "compose",
	"compose.yaml":        "compose",
	"chart.yaml":          "helm",
	"kustomization.yaml":  "kustomize",
	".gitlab-ci.yml":      "gitlab-ci",
	"jenkinsfile":         "jenkins",
	"serverless.yml":      "serverless",
	"skaffold.yaml":       "skaffold",
	"procfile":            "procfile",
}

// DefaultAnalyzer inventories languages, dependency manifests, and
// infrastructure descriptors. It never fails.
type DefaultAnalyzer struct{}

// Analyze classifies one file.
func (DefaultAnalyzer) Analyze(_ context.Context, relPath string, content []byte) (scan.FileReport, error) {
	var report scan.FileReport
	base := path.Base(relPath)
	if !enry.IsBinary(content) && !enry.IsVendor(relPath) && !enry.IsDocumentation(relPath) {
		report.Language = enry.GetLanguage(base, content)
	}

	lower := strings.ToLower(base)
	if kind, ok := manifests[lower]; ok {
		report.Findings = append(report.Findings, scan.Finding{Path: relPath, Kind: kind, Category: scan.CategoryDependency})
	} else if strings.HasSuffix(lower, ".csproj") {
		report.Findings = append(report.Findings, scan.Finding{Path: relPath, Kind: "nuget", Category: scan.CategoryDependency})
	}
	if kind := infraKind(relPath, lower, content); kind != "" {
		report.Findings = append(report.Findings, scan.Finding{Path: relPath, Kind: kind, Category: scan.CategoryInfrastructure})
	}
	return report, nil
}

func infraKind(relPath, lower string, content []byte) string {
	if kind, ok := infraFiles[lower]; ok {
		return kind
	}
	ext := path.Ext(lower)
	switch {
	case strings.HasPrefix(lower, "dockerfile.") || ext == ".dockerfile":
		return "docker"
	case ext == ".tf" || ext == ".tfvars":
		return "terraform"
	case ext == ".bicep":
		return "bicep"
	case strings.HasPrefix(relPath, ".github/workflows/") && (ext == ".yml" || ext == ".yaml"):
		return "github-actions"
	case ext == ".yml" || ext == ".yaml":
		if bytes.Contains(content, []byte("apiVersion:")) && bytes.Contains(content, []byte("\nkind:")) {
			return "kubernetes"
		}
		if bytes.Contains(content, []byte("AWSTemplateFormatVersion")) {
			return "cloudformation"
		}
	}
	return ""
}
