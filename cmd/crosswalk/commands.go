package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Mindburn-Labs/crosswalk/pkg/archive"
	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
	"github.com/Mindburn-Labs/crosswalk/pkg/gap"
	"github.com/Mindburn-Labs/crosswalk/pkg/interchange"
	"github.com/Mindburn-Labs/crosswalk/pkg/override"
	"github.com/Mindburn-Labs/crosswalk/pkg/similarity"
)

// command is the body of a subcommand once its session is open.
type command func(ctx context.Context, s *session, stdout io.Writer) error

// runWithSession parses fs, opens a session and runs body, mapping errors
// to exit codes.
func runWithSession(ctx context.Context, fs *flag.FlagSet, common *commonFlags, args []string,
	stdout, stderr io.Writer, opts sessionOptions, check func() error, body command) int {
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if err := common.validate(); err != nil {
		return fail(stderr, err)
	}
	if check != nil {
		if err := check(); err != nil {
			return fail(stderr, err)
		}
	}
	s, err := openSession(ctx, common, stderr, opts)
	if err != nil {
		return fail(stderr, err)
	}
	err = body(ctx, s, stdout)
	if cerr := s.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return fail(stderr, err)
	}
	return 0
}

// fail reports err and returns its exit code: 1 for errors the engine
// reports about the request, 2 for usage and runtime errors.
func fail(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	if errors.Is(err, errUsage) {
		return 2
	}
	if diagnostics.KindOf(err) != "Internal" {
		return 1
	}
	return 2
}

func required(pairs ...string) func() error {
	return func() error {
		for i := 0; i+1 < len(pairs); i += 2 {
			if pairs[i+1] == "" {
				return fmt.Errorf("%w: --%s is required", errUsage, pairs[i])
			}
		}
		return nil
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runFrameworksCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("frameworks", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := addCommonFlags(fs)
	return runWithSession(ctx, fs, common, args, stdout, stderr, sessionOptions{}, nil,
		func(ctx context.Context, s *session, w io.Writer) error {
			infos := s.eng.Frameworks()
			if common.json() {
				return writeJSON(w, infos)
			}
			return printFrameworks(w, infos)
		})
}

func runCoverageCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("coverage", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := addCommonFlags(fs)
	source := fs.String("source", "", "Source framework id (REQUIRED)")
	target := fs.String("target", "", "Target framework id (REQUIRED)")
	baseline := fs.String("baseline", "", "Restrict the target to a registered baseline")
	org := fs.String("org", "", "Organization used to scope override rules")
	return runWithSession(ctx, fs, common, args, stdout, stderr, sessionOptions{},
		func() error { return required("source", *source, "target", *target)() },
		func(ctx context.Context, s *session, w io.Writer) error {
			res, err := s.eng.Analyze(ctx, gap.Request{
				SourceFrameworks: []string{*source},
				TargetFramework:  *target,
				BaselineID:       *baseline,
			}, override.Query{Organization: *org})
			if err != nil {
				return err
			}
			if common.json() {
				return writeJSON(w, res)
			}
			return printCoverage(w, res)
		})
}

func runGapsCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("gaps", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := addCommonFlags(fs)
	target := fs.String("target", "", "Target framework id (REQUIRED)")
	sources := fs.String("sources", "", "Comma-separated source frameworks (default: all others)")
	severity := fs.String("severity", "", "Comma-separated severities to list (critical,high,medium,low)")
	org := fs.String("org", "", "Organization used to scope override rules")
	var severities []gap.Severity
	check := func() error {
		if err := required("target", *target)(); err != nil {
			return err
		}
		for _, v := range splitList(*severity) {
			sev, err := gap.ParseSeverity(v)
			if err != nil {
				return fmt.Errorf("%w: %v", errUsage, err)
			}
			severities = append(severities, sev)
		}
		return nil
	}
	return runWithSession(ctx, fs, common, args, stdout, stderr, sessionOptions{}, check,
		func(ctx context.Context, s *session, w io.Writer) error {
			res, err := s.eng.Analyze(ctx, gap.Request{
				SourceFrameworks: splitList(*sources),
				TargetFramework:  *target,
				Severities:       severities,
			}, override.Query{Organization: *org})
			if err != nil {
				return err
			}
			if common.json() {
				return writeJSON(w, res)
			}
			return printCoverage(w, res)
		})
}

func runMatrixCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("matrix", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := addCommonFlags(fs)
	frameworks := fs.String("frameworks", "", "Comma-separated framework ids (default: all)")
	return runWithSession(ctx, fs, common, args, stdout, stderr, sessionOptions{}, nil,
		func(ctx context.Context, s *session, w io.Writer) error {
			m, err := s.eng.GetMatrix(ctx, splitList(*frameworks), nil)
			if err != nil {
				return err
			}
			if common.json() {
				return writeJSON(w, m)
			}
			return printMatrix(w, m)
		})
}

func runSuggestCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("suggest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := addCommonFlags(fs)
	source := fs.String("source", "", "Source framework id (REQUIRED)")
	control := fs.String("control", "", "Source control id; omit to suggest for every control")
	target := fs.String("target", "", "Target framework id (REQUIRED)")
	threshold := fs.Float64("threshold", 0, "Minimum score (default: configured suggest threshold)")
	top := fs.Int("top", 5, "Suggestions to show per control (0 = all)")
	excludeMapped := fs.Bool("exclude-mapped", false, "Skip targets already mapped to the control")
	check := func() error {
		if err := required("source", *source, "target", *target)(); err != nil {
			return err
		}
		if *threshold < 0 || *threshold > 1 {
			return fmt.Errorf("%w: --threshold must be in [0,1]", errUsage)
		}
		if *top < 0 {
			return fmt.Errorf("%w: --top must not be negative", errUsage)
		}
		return nil
	}
	return runWithSession(ctx, fs, common, args, stdout, stderr, sessionOptions{}, check,
		func(ctx context.Context, s *session, w io.Writer) error {
			minScore := *threshold
			if minScore == 0 {
				minScore = s.cfg.SuggestThreshold
			}
			if *control == "" {
				res, err := s.eng.SuggestBatch(ctx, similarity.BatchRequest{
					SourceFramework: *source,
					TargetFramework: *target,
					MinThreshold:    minScore,
					ExcludeMapped:   *excludeMapped,
					TopK:            *top,
				}, nil)
				if err != nil {
					return err
				}
				if common.json() {
					return writeJSON(w, res)
				}
				return printBatch(w, res)
			}
			seq, err := s.eng.SuggestMappings(ctx, similarity.Request{
				SourceFramework: *source,
				SourceControl:   *control,
				TargetFramework: *target,
				MinThreshold:    minScore,
				ExcludeMapped:   *excludeMapped,
			})
			if err != nil {
				return err
			}
			n := *top
			if n == 0 {
				n = seq.Len()
			}
			suggestions := seq.Top(n)
			if common.json() {
				return writeJSON(w, suggestions)
			}
			return printSuggestions(w, *control, suggestions)
		})
}

func runReportCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := addCommonFlags(fs)
	frameworks := fs.String("frameworks", "", "Comma-separated framework ids (default: all)")
	return runWithSession(ctx, fs, common, args, stdout, stderr, sessionOptions{}, nil,
		func(ctx context.Context, s *session, w io.Writer) error {
			rep, err := s.eng.Report(ctx, splitList(*frameworks))
			if err != nil {
				return err
			}
			if common.json() {
				return writeJSON(w, rep)
			}
			return printReport(w, rep)
		})
}

func runExportCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := addCommonFlags(fs)
	out := fs.String("out", "", "Write the document to this file instead of stdout")
	toArchive := fs.Bool("archive", false, "Store the document in the configured archive and print its address")
	return runWithSession(ctx, fs, common, args, stdout, stderr, sessionOptions{}, nil,
		func(ctx context.Context, s *session, w io.Writer) error {
			doc, err := s.eng.Export(ctx)
			if err != nil {
				return err
			}
			if *toArchive {
				store, err := archive.New(ctx, s.cfg.Archive)
				if err != nil {
					return err
				}
				addr, err := archive.PutDocument(ctx, store, doc)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(w, addr)
				return err
			}
			data, err := interchange.Encode(doc)
			if err != nil {
				return err
			}
			if *out != "" {
				//nolint:gosec // G306: exported documents are not secret
				return os.WriteFile(*out, append(data, '\n'), 0644)
			}
			_, err = fmt.Fprintln(w, string(data))
			return err
		})
}

func runImportCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := addCommonFlags(fs)
	file := fs.String("file", "", "Interchange document to import (REQUIRED)")
	address := fs.String("address", "", "Import an archived document by address instead of --file")
	check := func() error {
		if *file == "" && *address == "" {
			return fmt.Errorf("%w: --file or --address is required", errUsage)
		}
		if common.db == "" {
			return fmt.Errorf("%w: --db is required", errUsage)
		}
		return nil
	}
	return runWithSession(ctx, fs, common, args, stdout, stderr, sessionOptions{empty: true}, check,
		func(ctx context.Context, s *session, w io.Writer) error {
			var doc *interchange.Document
			var err error
			if *address != "" {
				store, aerr := archive.New(ctx, s.cfg.Archive)
				if aerr != nil {
					return aerr
				}
				doc, err = archive.GetDocument(ctx, store, *address)
			} else {
				doc, err = readDocument(*file)
			}
			if err != nil {
				return err
			}
			restored, err := s.seed(ctx, doc)
			if err != nil {
				return err
			}
			if common.json() {
				return writeJSON(w, restored)
			}
			_, err = fmt.Fprintf(w, "imported %d frameworks, %d baselines, %d mappings, %d rules, %d feedback records\n",
				restored.Frameworks, restored.Baselines, restored.Mappings, restored.Rules, restored.Feedback)
			return err
		})
}
