// Package report assembles the markdown reports returned by workflows.
package report

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

type section struct {
	heading string
	body    string
	failed  bool
}

type item struct {
	label string
	value string
}

// Report is a markdown document with a title, sections and a summary.
type Report struct {
	title    string
	sections []section
	summary  []item
}

// New returns an empty report.
func New(title string) *Report {
	return &Report{title: title}
}

// Section appends a section. Empty bodies render as "_None_".
func (r *Report) Section(heading, body string) *Report {
	r.sections = append(r.sections, section{heading: heading, body: body})
	return r
}

// List appends a section with one bullet per item.
func (r *Report) List(heading string, items []string) *Report {
	var b strings.Builder
	for _, it := range items {
		fmt.Fprintf(&b, "- %s\n", it)
	}
	return r.Section(heading, b.String())
}

// Backend appends the outcome of a backend call. A failed call is rendered
// inline with its error instead of failing the report.
func (r *Report) Backend(heading, output string, err error) *Report {
	if err != nil {
		r.sections = append(r.sections, section{
			heading: heading,
			body:    fmt.Sprintf("> **Failed:** %s", oneLine(err.Error())),
			failed:  true,
		})
		return r
	}
	return r.Section(heading, output)
}

// Summary adds a line to the closing summary.
func (r *Report) Summary(label string, value any) *Report {
	r.summary = append(r.summary, item{label: label, value: fmt.Sprint(value)})
	return r
}

// Failures returns the number of failed backend sections.
func (r *Report) Failures() int {
	n := 0
	for _, s := range r.sections {
		if s.failed {
			n++
		}
	}
	return n
}

// Markdown renders the report.
func (r *Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", r.title)
	for i, s := range r.sections {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		body := strings.TrimSpace(s.body)
		if body == "" {
			body = "_None_"
		}
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", s.heading, body)
	}
	if len(r.summary) > 0 {
		b.WriteString("\n---\n\n## Summary\n\n")
		for _, it := range r.summary {
			fmt.Fprintf(&b, "- **%s**: %s\n", it.label, it.value)
		}
	}
	return b.String()
}

func (r *Report) String() string {
	return r.Markdown()
}

var renderer = goldmark.New(goldmark.WithExtensions(extension.GFM))

// HTML renders the report as HTML.
func (r *Report) HTML() (string, error) {
	return ToHTML(r.Markdown())
}

// ToHTML converts markdown to HTML.
func ToHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := renderer.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return buf.String(), nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
