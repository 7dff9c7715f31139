// Command crosswalk maps security controls across compliance frameworks and
// reports coverage, gaps and mapping suggestions.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing. Exit codes: 0 success, 1 the analysis
// reported an error, 2 usage or runtime error.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[1] {
	case "frameworks":
		return runFrameworksCmd(ctx, args[2:], stdout, stderr)
	case "coverage":
		return runCoverageCmd(ctx, args[2:], stdout, stderr)
	case "matrix":
		return runMatrixCmd(ctx, args[2:], stdout, stderr)
	case "suggest":
		return runSuggestCmd(ctx, args[2:], stdout, stderr)
	case "gaps":
		return runGapsCmd(ctx, args[2:], stdout, stderr)
	case "report":
		return runReportCmd(ctx, args[2:], stdout, stderr)
	case "export":
		return runExportCmd(ctx, args[2:], stdout, stderr)
	case "import":
		return runImportCmd(ctx, args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorCyan  = "\033[36m"
	colorGreen = "\033[32m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%scrosswalk%s - cross-framework security control mapping\n", colorBold, colorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", colorBold, colorReset)
	fmt.Fprintln(w, "  crosswalk <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "ANALYSIS")
	printCommand(w, "frameworks", "List registered frameworks")
	printCommand(w, "coverage", "Coverage of --target by --source")
	printCommand(w, "matrix", "Coverage matrix over --frameworks (default all)")
	printCommand(w, "gaps", "Gaps of --target against every other framework")
	printCommand(w, "suggest", "Suggest mappings for --source/--control into --target")
	printCommand(w, "report", "Compliance report (frameworks, mappings, matrix, gaps)")

	printSection(w, "STATE")
	printCommand(w, "export", "Write the interchange document (--out, --archive)")
	printCommand(w, "import", "Load an interchange document into --db (--file)")
	printCommand(w, "help", "Show this help")

	printSection(w, "COMMON FLAGS")
	fmt.Fprintln(w, "  --config FILE   YAML configuration")
	fmt.Fprintln(w, "  --in FILE       start from an interchange document instead of the builtin catalogs")
	fmt.Fprintln(w, "  --db DSN        sqlite file or postgres:// URL holding persisted state")
	fmt.Fprintln(w, "  --format FMT    text (default) or json")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", colorBold+colorCyan, title, colorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", colorGreen, name, colorReset, desc)
}
