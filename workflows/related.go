package workflows

import (
	"bufio"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

var (
	pathPattern   = regexp.MustCompile(`(?:^|\s|` + "`" + `)([A-Za-z0-9_\-./]+\.(?:tsx|ts|jsx|json|js|go|md|py|yaml|yml))\b`)
	importPattern = regexp.MustCompile(`import.*from\s+['"](.+?)['"]`)
)

// issueKeywords mark an analysis as having found something worth following.
var issueKeywords = []string{
	"bug", "error", "issue", "problem", "wrong", "incorrect",
	"missing", "broken", "fail", "crash", "exception",
}

func reportsIssue(analysis string) bool {
	lower := strings.ToLower(analysis)
	return slices.ContainsFunc(issueKeywords, func(k string) bool {
		return strings.Contains(lower, k)
	})
}

// extractFilePaths returns the distinct paths mentioned in text that exist
// under root, in order of appearance.
func extractFilePaths(root, text string) []string {
	var paths []string
	for _, m := range pathPattern.FindAllStringSubmatch(text, -1) {
		path := strings.TrimPrefix(m[1], "./")
		if slices.Contains(paths, path) {
			continue
		}
		if info, err := os.Stat(filepath.Join(root, path)); err == nil && !info.IsDir() {
			paths = append(paths, path)
		}
	}
	return paths
}

// findRelatedFiles returns files imported by path that exist under root.
// Relative JS/TS imports and Go imports inside the enclosing module are
// followed.
func findRelatedFiles(root, path string) []string {
	full := filepath.Join(root, path)
	if strings.HasSuffix(path, ".go") {
		return relatedGoFiles(root, full)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil
	}
	var related []string
	for _, m := range importPattern.FindAllStringSubmatch(string(data), -1) {
		spec := m[1]
		if !strings.HasPrefix(spec, ".") {
			continue
		}
		base := filepath.Join(filepath.Dir(path), spec)
		for _, ext := range []string{"", ".ts", ".js", ".tsx", ".jsx", "/index.ts", "/index.js"} {
			candidate := base + ext
			info, err := os.Stat(filepath.Join(root, candidate))
			if err == nil && !info.IsDir() {
				related = appendUnique(related, filepath.ToSlash(candidate))
				break
			}
		}
	}
	return related
}

func relatedGoFiles(root, full string) []string {
	file, err := parser.ParseFile(token.NewFileSet(), full, nil, parser.ImportsOnly)
	if err != nil {
		return nil
	}
	modDir, modPath := findModule(filepath.Dir(full))
	if modPath == "" {
		return nil
	}
	var related []string
	for _, spec := range file.Imports {
		imp, err := strconv.Unquote(spec.Path.Value)
		if err != nil || (imp != modPath && !strings.HasPrefix(imp, modPath+"/")) {
			continue
		}
		dir := filepath.Join(modDir, strings.TrimPrefix(imp, modPath))
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
				continue
			}
			rel, err := filepath.Rel(root, filepath.Join(dir, name))
			if err != nil {
				continue
			}
			related = appendUnique(related, filepath.ToSlash(rel))
		}
	}
	return related
}

// findModule walks up from dir to the nearest go.mod and returns its
// directory and module path.
func findModule(dir string) (string, string) {
	for {
		f, err := os.Open(filepath.Join(dir, "go.mod"))
		if err == nil {
			defer f.Close()
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				if mod, ok := strings.CutPrefix(strings.TrimSpace(scanner.Text()), "module "); ok {
					return dir, strings.Trim(strings.TrimSpace(mod), `"`)
				}
			}
			return dir, ""
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ""
		}
		dir = parent
	}
}

func appendUnique(list []string, s string) []string {
	if slices.Contains(list, s) {
		return list
	}
	return append(list, s)
}
