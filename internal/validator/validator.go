// Package validator runs offline checks over generated Manim scene code.
//
// Validate never stops at the first defect: every check runs and the report
// carries all of them, since one repair request has to describe every problem.
package validator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Category classifies a validation issue.
type Category string

const (
	CategorySyntax   Category = "SYNTAX"
	CategoryImport   Category = "IMPORT"
	CategoryClass    Category = "CLASS"
	CategoryMethod   Category = "METHOD"
	CategorySecurity Category = "SECURITY"
	CategoryRuntime  Category = "RUNTIME"
)

// RequiredImport is the marker line every scene file must contain.
const RequiredImport = "from manim import *"

// Issue is one defect found in a code artifact.
type Issue struct {
	Category Category
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("[%s] %s", i.Category, i.Message)
}

// Report is the result of one validation pass.
type Report struct {
	Issues []Issue
}

// Valid reports whether the pass found no issues.
func (r Report) Valid() bool {
	return len(r.Issues) == 0
}

// Errors returns the issues as tagged strings.
func (r Report) Errors() []string {
	errs := make([]string, 0, len(r.Issues))
	for _, issue := range r.Issues {
		errs = append(errs, issue.String())
	}
	return errs
}

// Has reports whether the report contains an issue of the given category.
func (r Report) Has(c Category) bool {
	for _, issue := range r.Issues {
		if issue.Category == c {
			return true
		}
	}
	return false
}

type securityRule struct {
	pattern *regexp.Regexp
	message string
	bare    bool // only matches not followed by a call paren
}

var securityRules = []securityRule{
	{pattern: regexp.MustCompile(`\bos\.system\b`), message: "os.system() calls are not allowed"},
	{pattern: regexp.MustCompile(`\bsubprocess\b`), message: "subprocess module is not allowed"},
	{pattern: regexp.MustCompile(`\b__import__\b`), message: "__import__() is not allowed"},
	{pattern: regexp.MustCompile(`\beval\b`), message: "eval() is not allowed"},
	{pattern: regexp.MustCompile(`\bexec\b`), message: "exec() is not allowed", bare: true},
	{pattern: regexp.MustCompile(`\bopen\s*\([^)]*["']w`), message: "Writing files is not allowed"},
}

// Validator checks scene code. The zero value runs the static checks only.
type Validator struct {
	runtime *RuntimeChecker
}

// Option configures a Validator.
type Option func(*Validator)

// WithRuntimeCheck enables executing the code with a Python interpreter.
func WithRuntimeCheck(rc *RuntimeChecker) Option {
	return func(v *Validator) {
		v.runtime = rc
	}
}

// New creates a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs the ordered battery of checks against code and returns every
// defect found. expectedClass is the scene class the code must declare.
func (v *Validator) Validate(ctx context.Context, code, expectedClass string) Report {
	var report Report
	add := func(c Category, msg string) {
		report.Issues = append(report.Issues, Issue{Category: c, Message: msg})
	}

	lines, synErr := checkSyntax(code)
	if synErr != nil {
		add(CategorySyntax, synErr.String())
	}

	if !strings.Contains(code, "from manim import") {
		add(CategoryImport, fmt.Sprintf("Missing required import: '%s'", RequiredImport))
	}

	// Class and method checks need a parsed structure.
	if synErr == nil {
		classes := declaredClasses(lines)
		if msg := checkClass(classes, expectedClass); msg != "" {
			add(CategoryClass, msg)
		}
		for _, cls := range classes {
			if !cls.hasConstruct {
				add(CategoryMethod, fmt.Sprintf("Class '%s' missing 'construct' method", cls.name))
				break
			}
		}
	}

	if msg := checkSecurity(code); msg != "" {
		add(CategorySecurity, "Security check failed: "+msg)
	}

	if v != nil && v.runtime != nil && synErr == nil {
		if msg := v.runtime.Check(ctx, code); msg != "" {
			add(CategoryRuntime, msg)
		}
	}

	return report
}

// FormatErrorReport builds the body of a repair request.
func FormatErrorReport(code string, errs []string) string {
	var b strings.Builder
	b.WriteString("The generated Manim code has the following errors:\n\n")
	for i, e := range errs {
		fmt.Fprintf(&b, "%d. %s\n", i+1, e)
	}
	b.WriteString("\n--- CODE ---\n")
	b.WriteString(code)
	b.WriteString("\n--- END CODE ---\n")
	return b.String()
}

type classDecl struct {
	name         string
	hasConstruct bool
}

// declaredClasses finds every class statement, nested ones included, and
// whether its direct body defines construct.
func declaredClasses(lines []logicalLine) []classDecl {
	var classes []classDecl
	for i, ll := range lines {
		if firstWord(ll.text) != "class" {
			continue
		}
		name := leadingIdent(strings.TrimSpace(strings.TrimPrefix(ll.text, "class")))
		if name == "" {
			continue
		}
		decl := classDecl{name: name}
		if ll.opens && i+1 < len(lines) && lines[i+1].indent > ll.indent {
			body := lines[i+1].indent
			for _, member := range lines[i+1:] {
				if member.indent <= ll.indent {
					break
				}
				if member.indent == body && firstWord(member.text) == "def" && defName(member.text) == "construct" {
					decl.hasConstruct = true
					break
				}
			}
		}
		classes = append(classes, decl)
	}
	return classes
}

func defName(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "async")
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "def")
	return leadingIdent(strings.TrimSpace(text))
}

func checkClass(classes []classDecl, expected string) string {
	if len(classes) == 0 {
		return fmt.Sprintf("No class definitions found. Expected: %s", expected)
	}
	names := make([]string, 0, len(classes))
	for _, c := range classes {
		if c.name == expected {
			return ""
		}
		names = append(names, "'"+c.name+"'")
	}
	return fmt.Sprintf("Expected class '%s' not found. Found: [%s]", expected, strings.Join(names, ", "))
}

// checkSecurity returns the message of the first denylisted construct found.
func checkSecurity(code string) string {
	for _, rule := range securityRules {
		if !rule.bare {
			if rule.pattern.MatchString(code) {
				return rule.message
			}
			continue
		}
		for _, loc := range rule.pattern.FindAllStringIndex(code, -1) {
			rest := strings.TrimLeft(code[loc[1]:], " \t\n")
			if !strings.HasPrefix(rest, "(") {
				return rule.message
			}
		}
	}
	return ""
}
