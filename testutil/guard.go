// Package testutil holds boundary checks shared by package tests. A Boundary
// is a set of import paths that a package may neither import nor link.
package testutil

import (
	"fmt"
	"go/parser"
	"go/token"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// Boundary is a named import-path predicate.
type Boundary struct {
	Reason string
	Match  func(importPath string) bool
}

var (
	// IngestSide covers the ingest pipeline and its workbook parser.
	IngestSide = Boundary{
		Reason: "ingest pipeline",
		Match: func(p string) bool {
			return strings.HasSuffix(p, "/internal/ingest") || strings.HasPrefix(p, "github.com/xuri/excelize")
		},
	}
	// WriteDriver covers the postgres adapter and pgx.
	WriteDriver = Boundary{
		Reason: "postgres write driver",
		Match: func(p string) bool {
			return strings.HasPrefix(p, "github.com/jackc/pgx") || strings.HasSuffix(p, "/internal/infra/persistence/postgres")
		},
	}
)

// Union matches whatever any of bs matches.
func Union(reason string, bs ...Boundary) Boundary {
	return Boundary{
		Reason: reason,
		Match: func(p string) bool {
			for _, b := range bs {
				if b.Match(p) {
					return true
				}
			}
			return false
		},
	}
}

// listDeps prints the transitive dependency closure of pkg, one path per line.
var listDeps = func(pkg string) ([]byte, error) {
	return exec.Command("go", "list", "-deps", pkg).CombinedOutput()
}

// Imports returns the matching imports of the non-test Go files directly in
// dir, each annotated with its file.
func (b Boundary) Imports(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.go"))
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var hits []string
	for _, file := range files {
		if strings.HasSuffix(file, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, file, nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, spec := range f.Imports {
			if p := strings.Trim(spec.Path.Value, `"`); b.Match(p) {
				hits = append(hits, fmt.Sprintf("%s (in %s)", p, filepath.Base(file)))
			}
		}
	}
	sort.Strings(hits)
	return hits, nil
}

// Deps returns the matching packages in the build closure of pkg.
func (b Boundary) Deps(pkg string) ([]string, error) {
	out, err := listDeps(pkg)
	if err != nil {
		return nil, fmt.Errorf("go list -deps %s: %w\n%s", pkg, err, out)
	}
	var hits []string
	for _, p := range strings.Fields(string(out)) {
		if b.Match(p) {
			hits = append(hits, p)
		}
	}
	return hits, nil
}

// Enforce fails t when the package in dir imports or links anything b matches.
func (b Boundary) Enforce(t testing.TB, dir string) {
	t.Helper()
	direct, err := b.Imports(dir)
	if err != nil {
		t.Fatalf("scan imports: %v", err)
	}
	linked, err := b.Deps(dir)
	if err != nil {
		t.Fatalf("%v", err)
	}
	report(t, b, direct, linked)
}

type fatalf interface {
	Fatalf(format string, args ...any)
}

func report(t fatalf, b Boundary, direct, linked []string) {
	if len(direct)+len(linked) == 0 {
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "package crosses boundary %q", b.Reason)
	for _, h := range direct {
		sb.WriteString("\n  imports " + h)
	}
	for _, h := range linked {
		sb.WriteString("\n  links " + h)
	}
	t.Fatalf("%s", sb.String())
}
