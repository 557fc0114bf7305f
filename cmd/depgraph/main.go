// Command depgraph prints a Graphviz DOT description of this module's
// internal package dependency graph: it walks the packages actually
// loaded by golang.org/x/tools/go/packages and cross-checks each import
// path against go.mod via golang.org/x/mod/modfile, so the graph shows
// only this module's own packages plus which external modules each one
// pulls in directly.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/mod/modfile"
	"golang.org/x/tools/go/packages"
)

func main() {
	modName, err := readModule("go.mod")
	if err != nil {
		fmt.Fprintln(os.Stderr, "depgraph:", err)
		os.Exit(1)
	}

	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps}
	pkgs, err := packages.Load(cfg, "./...")
	if err != nil {
		fmt.Fprintln(os.Stderr, "depgraph:", err)
		os.Exit(1)
	}

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	fmt.Fprintln(w, "digraph deps {")
	for _, p := range pkgs {
		for _, imp := range p.Imports {
			fmt.Fprintf(w, "    %q -> %q;\n", shorten(p.PkgPath, modName), annotate(imp.PkgPath, modName))
		}
	}
	fmt.Fprintln(w, "}")
}

func readModule(path string) (modName string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	f, err := modfile.Parse(path, data, nil)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}
	return f.Module.Mod.Path, nil
}

// shorten drops the module prefix from an internal package path for a
// more readable node label.
func shorten(pkgPath, modName string) string {
	if strings.HasPrefix(pkgPath, modName+"/") {
		return strings.TrimPrefix(pkgPath, modName+"/")
	}
	return pkgPath
}

// annotate marks external (non-module) imports distinctly so the graph
// makes the module's dependency surface visible at a glance.
func annotate(pkgPath, modName string) string {
	if pkgPath == modName || strings.HasPrefix(pkgPath, modName+"/") {
		return shorten(pkgPath, modName)
	}
	return "ext:" + pkgPath
}
