package domain

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestDomainStaysDependencyFree ensures the domain package keeps to the
// standard library. Persistence, blob, and service concerns live under
// internal/ and must depend on domain, never the other way around.
func TestDomainStaysDependencyFree(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports}
	pkgs, err := packages.Load(cfg, "github.com/gdsfactory/gdatasea/pkg/domain")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	var violations []string
	for _, pkg := range pkgs {
		for importPath := range pkg.Imports {
			if strings.HasPrefix(importPath, "github.com/gdsfactory/gdatasea/internal") {
				violations = append(violations, importPath)
			}
			if !strings.Contains(importPath, ".") {
				continue // stdlib
			}
			if strings.HasPrefix(importPath, "github.com/gdsfactory/gdatasea/") {
				continue
			}
			violations = append(violations, importPath)
		}
	}
	if len(violations) > 0 {
		sort.Strings(violations)
		t.Fatalf("domain package carries forbidden imports: %v", violations)
	}
}
