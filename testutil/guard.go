// Package testutil provides reusable testing helpers for enforcing
// architectural boundaries across the repository.
package testutil

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// AssertNoDirectImports scans all non-test .go files in dir (typically "."
// from within the package) and fails if any import path satisfies the
// forbidden predicate. It does not follow build tags.
func AssertNoDirectImports(t testing.TB, dir string, forbidden func(importPath string) bool, reason string) {
	t.Helper()
	viols, err := directImportViolations(dir, forbidden)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	failIfDirectViolations(t, reason, viols)
}

// InfraImportForbidden matches storage backend packages, which only the blob
// and archive facades may import.
func InfraImportForbidden(path string) bool {
	return strings.HasPrefix(path, "cellmonitor/internal/infra/") || path == "cellmonitor/internal/infra"
}

// TransportImportForbidden matches HTTP and websocket packages that belong to
// the adapters and the binary.
func TransportImportForbidden(path string) bool {
	switch {
	case path == "net/http", strings.HasPrefix(path, "net/http/"):
		return true
	case strings.HasPrefix(path, "github.com/gorilla/websocket"), strings.HasPrefix(path, "golang.org/x/net/"):
		return true
	case strings.HasPrefix(path, "cellmonitor/internal/adapters/"), path == "cellmonitor/internal/feed":
		return true
	}
	return false
}

// NonStdlibImport matches every import outside the standard library. Module
// paths carry a dot in their first element; the standard library never does.
func NonStdlibImport(path string) bool {
	first, _, _ := strings.Cut(path, "/")
	return strings.Contains(first, ".") || first == "cellmonitor"
}

func directImportViolations(dir string, forbidden func(importPath string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var viols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		path := filepath.Join(dir, name)
		fileAst, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range fileAst.Imports {
			ip := strings.Trim(imp.Path.Value, "\"")
			if forbidden(ip) {
				viols = append(viols, ip+" (in "+name+")")
			}
		}
	}
	return viols, nil
}

type fatalLogger interface {
	Fatalf(format string, args ...any)
}

func failIfDirectViolations(t fatalLogger, reason string, viols []string) {
	if len(viols) > 0 {
		t.Fatalf("forbidden direct imports detected (%s):\n%s", reason, strings.Join(viols, "\n"))
	}
}
