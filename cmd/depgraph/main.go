// Program depgraph generates a Graphviz DOT description of this module's
// internal package dependency graph, loaded in-process via go/packages
// instead of shelling out to "go mod graph" (which only sees module-level
// edges, not the package-level ones a kernel's layering actually cares
// about).
package main

import (
	"bufio"
	"fmt"
	"os"

	"golang.org/x/tools/go/packages"
)

func main() {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps,
	}
	pkgs, err := packages.Load(cfg, "github.com/khannotations/pios/...")
	if err != nil {
		panic(err)
	}
	if packages.PrintErrors(pkgs) > 0 {
		os.Exit(1)
	}

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	fmt.Fprintln(w, "digraph deps {")
	seen := make(map[string]bool)
	for _, pkg := range pkgs {
		for _, imp := range pkg.Imports {
			edge := pkg.PkgPath + " -> " + imp.PkgPath
			if seen[edge] {
				continue
			}
			seen[edge] = true
			fmt.Fprintf(w, "    %q -> %q;\n", pkg.PkgPath, imp.PkgPath)
		}
	}
	fmt.Fprintln(w, "}")
}
