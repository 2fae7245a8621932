//go:build governance

package core_test

import (
	"go/types"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

const modulePath = "github.com/leapstack-labs/vlayer"

// =============================================================================
// COHESION TEST - Core types must be shared by multiple packages
// =============================================================================

// TestGovernance_CoreCohesion verifies that exported identifiers in pkg/core
// are shared across packages. Single-use identifiers belong to their consumer.
func TestGovernance_CoreCohesion(t *testing.T) {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedImports | packages.NeedTypes |
			packages.NeedTypesInfo | packages.NeedDeps,
	}
	pkgs, err := packages.Load(cfg, modulePath+"/...")
	if err != nil {
		t.Fatalf("Failed to load packages: %v", err)
	}

	coreDefs := make(map[types.Object]string)
	var corePkg *packages.Package
	for _, p := range pkgs {
		if p.PkgPath != modulePath+"/pkg/core" {
			continue
		}
		corePkg = p
		scope := p.Types.Scope()
		for _, name := range scope.Names() {
			if obj := scope.Lookup(name); obj.Exported() {
				coreDefs[obj] = name
			}
		}
		break
	}
	if corePkg == nil {
		t.Fatal("Could not find pkg/core")
	}

	usageMap := make(map[string]map[string]bool)
	for _, name := range coreDefs {
		usageMap[name] = make(map[string]bool)
	}

	base := modulePath + "/"
	for _, p := range pkgs {
		if p.PkgPath == corePkg.PkgPath || strings.HasSuffix(p.PkgPath, "_test") || p.TypesInfo == nil {
			continue
		}
		for _, obj := range p.TypesInfo.Uses {
			if name, ok := coreDefs[obj]; ok {
				usageMap[name][strings.TrimPrefix(p.PkgPath, base)] = true
			}
		}
	}

	for name, importers := range usageMap {
		if isCohesionAllowlisted(name) {
			continue
		}
		switch len(importers) {
		case 0:
			t.Logf("WARNING: Unused Core identifier: %s (consider deleting)", name)
		case 1:
			var user string
			for k := range importers {
				user = k
			}
			t.Errorf("COHESION VIOLATION: 'core.%s' is used ONLY by '%s'.\n"+
				"   Fix: Move it from pkg/core to %s.", name, user, user)
		}
	}
}

// isCohesionAllowlisted returns true for identifiers allowed a single user.
func isCohesionAllowlisted(name string) bool {
	allowlist := map[string]bool{
		"Affinity":     true, // enum; its values are the shared part
		"AffinityText": true,
		"AffinityBlob": true,
		"AffinityNumeric": true,
		"FormatReal":   true,
		"ParseNumber":  true,
	}
	return allowlist[name]
}

// =============================================================================
// LAYERING TEST - Library packages stay independent of the binding and CLI
// =============================================================================

// TestGovernance_Layering ensures the codec and row source packages never
// import the SQLite binding or anything under internal/.
func TestGovernance_Layering(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports}
	pkgs, err := packages.Load(cfg, modulePath+"/pkg/...")
	if err != nil {
		t.Fatalf("Failed to load packages: %v", err)
	}

	forbidden := map[string][]string{
		modulePath + "/pkg/spatialite": {modulePath + "/pkg/vlayer", modulePath + "/pkg/rowsource"},
		modulePath + "/pkg/rowsource":  {modulePath + "/pkg/vlayer"},
		modulePath + "/pkg/adapter":    {modulePath + "/pkg/vlayer", modulePath + "/pkg/rowsource"},
	}

	for _, p := range pkgs {
		for prefix, banned := range forbidden {
			if p.PkgPath != prefix && !strings.HasPrefix(p.PkgPath, prefix+"/") {
				continue
			}
			for imp := range p.Imports {
				if strings.Contains(imp, "/internal/") {
					t.Errorf("LAYERING VIOLATION: '%s' imports internal package '%s'",
						strings.TrimPrefix(p.PkgPath, modulePath+"/"), imp)
				}
				for _, b := range banned {
					if imp == b || strings.HasPrefix(imp, b+"/") {
						t.Errorf("LAYERING VIOLATION: '%s' imports '%s'",
							strings.TrimPrefix(p.PkgPath, modulePath+"/"), strings.TrimPrefix(imp, modulePath+"/"))
					}
				}
			}
		}
	}
}
