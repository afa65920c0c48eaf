package generator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"text/template"

	"github.com/sakif/readmebot/internal/model"
)

const (
	// KeepStart and KeepEnd fence a hand-written block in an existing README
	// that regeneration carries over verbatim.
	KeepStart = "<!-- readmebot:keep -->"
	KeepEnd   = "<!-- /readmebot:keep -->"

	footer = "<!-- generated by readmebot -->"
)

var keepBlock = regexp.MustCompile(`(?s)` + regexp.QuoteMeta(KeepStart) + `.*?` + regexp.QuoteMeta(KeepEnd))

var readmeTemplate = template.Must(template.New("readme").Parse(`# {{ .Name }}
{{ if .Description }}
{{ .Description }}
{{ end }}
{{- if .Badges }}
{{ range .Badges }}{{ . }} {{ end }}
{{ end }}
{{- range .Keep }}
{{ . }}
{{ end }}
{{- if .Install }}
## Installation

{{ range .Install }}` + "```" + `sh
{{ . }}
` + "```" + `

{{ end }}
{{- end }}
{{- if .Layout }}
## Project layout

{{ range .Layout }}- ` + "`{{ . }}`" + `
{{ end }}
{{- end }}
{{- if .Topics }}
## Topics

{{ range .Topics }}` + "`{{ . }}`" + ` {{ end }}
{{ end }}
{{- if .License }}
## License

Released under the {{ .License }} license.
{{ end }}
` + footer + `
`))

// Builtin renders a README from repository metadata and manifests using
// text/template. It never calls out of process.
type Builtin struct {
	// MaxLayoutEntries caps the "Project layout" list. Zero means 20.
	MaxLayoutEntries int
}

type readmeData struct {
	Name        string
	Description string
	Badges      []string
	Keep        []string
	Install     []string
	Layout      []string
	Topics      []string
	License     string
}

func (b Builtin) Generate(ctx context.Context, snap *model.RepoSnapshot) (string, error) {
	if snap == nil {
		return "", errors.New("generator: nil snapshot")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data := readmeData{
		Name:        snap.Name,
		Description: strings.TrimSpace(snap.Description),
		Badges:      badges(snap),
		Keep:        keepBlock.FindAllString(snap.ExistingReadme, -1),
		Install:     installHints(snap),
		Layout:      layout(snap.Files, b.maxLayout()),
		Topics:      snap.Topics,
		License:     snap.License,
	}
	if data.Name == "" {
		data.Name = snap.FullName
	}

	var buf bytes.Buffer
	if err := readmeTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("generator: rendering README for %s: %w", snap.FullName, err)
	}
	return buf.String(), nil
}

func (b Builtin) maxLayout() int {
	if b.MaxLayoutEntries > 0 {
		return b.MaxLayoutEntries
	}
	return 20
}

func badges(snap *model.RepoSnapshot) []string {
	var out []string
	if snap.Language != "" {
		out = append(out, fmt.Sprintf("![language](https://img.shields.io/badge/language-%s-blue)", shieldEscape(snap.Language)))
	}
	if snap.License != "" && snap.License != "NOASSERTION" {
		out = append(out, fmt.Sprintf("![license](https://img.shields.io/badge/license-%s-green)", shieldEscape(snap.License)))
	}
	return out
}

// shieldEscape follows shields.io's static badge rules: "-" doubles, space
// becomes "_".
func shieldEscape(s string) string {
	s = strings.ReplaceAll(s, "-", "--")
	return strings.ReplaceAll(s, " ", "_")
}

var modulePath = regexp.MustCompile(`(?m)^module\s+(\S+)`)

// installHints derives install commands from the manifests present.
func installHints(snap *model.RepoSnapshot) []string {
	var out []string
	m := snap.Manifests

	if gomod, ok := m["go.mod"]; ok {
		if match := modulePath.FindStringSubmatch(gomod); match != nil {
			if hasMainPackage(snap.Files) {
				out = append(out, "go install "+match[1]+"@latest")
			} else {
				out = append(out, "go get "+match[1])
			}
		}
	}
	if _, ok := m["package.json"]; ok {
		out = append(out, "npm install")
	}
	if _, ok := m["Cargo.toml"]; ok {
		out = append(out, "cargo build --release")
	}
	if _, ok := m["pyproject.toml"]; ok {
		out = append(out, "pip install .")
	} else if _, ok := m["requirements.txt"]; ok {
		out = append(out, "pip install -r requirements.txt")
	}
	if _, ok := m["Gemfile"]; ok {
		out = append(out, "bundle install")
	}
	if _, ok := m["pom.xml"]; ok {
		out = append(out, "mvn package")
	}
	if _, ok := m["build.gradle"]; ok {
		out = append(out, "gradle build")
	}
	if len(out) == 0 {
		if _, ok := m["Makefile"]; ok {
			out = append(out, "make")
		}
	}
	if _, ok := m["Dockerfile"]; ok {
		out = append(out, "docker build -t "+strings.ToLower(snap.Name)+" .")
	}
	return out
}

func hasMainPackage(files []string) bool {
	return slices.Contains(files, "main.go") || slices.ContainsFunc(files, func(f string) bool {
		return strings.HasPrefix(f, "cmd/") && strings.HasSuffix(f, ".go")
	})
}

// layout lists top-level directories (with a trailing slash) then top-level
// files, each group sorted, skipping dotfiles and the README itself.
func layout(files []string, limit int) []string {
	dirs := make(map[string]bool)
	var roots []string
	for _, f := range files {
		if strings.HasPrefix(f, ".") {
			continue
		}
		if dir, _, ok := strings.Cut(f, "/"); ok {
			dirs[dir+"/"] = true
			continue
		}
		if strings.EqualFold(f, "README.md") {
			continue
		}
		roots = append(roots, f)
	}

	out := make([]string, 0, len(dirs)+len(roots))
	for d := range dirs {
		out = append(out, d)
	}
	sort.Strings(out)
	sort.Strings(roots)
	out = append(out, roots...)

	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
