// Command kdoctor extends the teacher's misc/depgraph (which shelled out
// to "go mod graph" and wrote a Graphviz DOT file) in two directions: it
// graphs this module's own internal package imports with
// golang.org/x/tools/go/packages instead of just the external module
// graph, and it reports the module's required versions straight from
// go.mod with golang.org/x/mod/modfile instead of re-parsing "go mod
// graph" text.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"golang.org/x/mod/modfile"
	"golang.org/x/tools/go/packages"
)

var (
	flagDir  = flag.String("dir", ".", "module root to inspect")
	flagKind = flag.String("report", "graph", "report to print: graph or modules")
)

func main() {
	flag.Parse()
	switch *flagKind {
	case "graph":
		if err := printPackageGraph(*flagDir); err != nil {
			fmt.Fprintf(os.Stderr, "kdoctor: %v\n", err)
			os.Exit(1)
		}
	case "modules":
		if err := printModuleVersions(*flagDir); err != nil {
			fmt.Fprintf(os.Stderr, "kdoctor: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "kdoctor: unknown -report %q (want graph or modules)\n", *flagKind)
		os.Exit(2)
	}
}

// printPackageGraph loads every package under dir/... and prints a
// Graphviz DOT description of their import edges, in the same
// "digraph deps { ... }" shape misc/depgraph emitted from "go mod graph"
// output, but over this module's own internal packages rather than the
// module dependency graph.
func printPackageGraph(dir string) error {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps,
		Dir:  dir,
	}
	pkgs, err := packages.Load(cfg, "./...")
	if err != nil {
		return fmt.Errorf("loading packages: %w", err)
	}

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	w.WriteString("digraph deps {\n")
	for _, p := range pkgs {
		for imp := range p.Imports {
			w.WriteString("    \"" + p.PkgPath + "\" -> \"" + imp + "\";\n")
		}
	}
	w.WriteString("}\n")
	return nil
}

// printModuleVersions reads dir/go.mod directly with modfile (rather than
// shelling out to "go list -m all") and prints one "path version" line
// per required module, the report misc/depgraph never had a counterpart
// for.
func printModuleVersions(dir string) error {
	data, err := os.ReadFile(dir + "/go.mod")
	if err != nil {
		return fmt.Errorf("reading go.mod: %w", err)
	}
	f, err := modfile.Parse("go.mod", data, nil)
	if err != nil {
		return fmt.Errorf("parsing go.mod: %w", err)
	}

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	fmt.Fprintf(w, "module %s\n", f.Module.Mod.Path)
	for _, req := range f.Require {
		fmt.Fprintf(w, "%s %s\n", req.Mod.Path, req.Mod.Version)
	}
	return nil
}
