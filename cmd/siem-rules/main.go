// Package main provides a CLI tool for validating and previewing detection
// rule instance files.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"detection-engine/internal/action"
	"detection-engine/internal/alert"
	"detection-engine/internal/executor"
	"detection-engine/internal/logging"
	"detection-engine/internal/maintenance"
	"detection-engine/internal/rule"
	"detection-engine/internal/rules"
	"detection-engine/internal/source"
	"detection-engine/internal/store"

	"github.com/google/uuid"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		fs := flag.NewFlagSet("validate", flag.ExitOnError)
		verbose := fs.Bool("verbose", false, "Show detailed rule information")
		fs.Parse(os.Args[2:])
		if fs.NArg() == 0 {
			fmt.Fprintf(os.Stderr, "Usage: siem-rules validate [--verbose] <path> [<path>...]\n")
			os.Exit(1)
		}
		os.Exit(runValidate(os.Stdout, fs.Args(), *verbose))
	case "list":
		fs := flag.NewFlagSet("list", flag.ExitOnError)
		fs.Parse(os.Args[2:])
		paths := fs.Args()
		if len(paths) == 0 {
			paths = []string{"configs/rules"}
		}
		os.Exit(runList(os.Stdout, paths))
	case "types":
		os.Exit(runTypes(os.Stdout))
	case "preview":
		fs := flag.NewFlagSet("preview", flag.ExitOnError)
		events := fs.String("events", "", "JSON file with an array of source documents")
		at := fs.String("at", "", "Run start time (RFC3339), defaults to now")
		maxAlerts := fs.Int("max-alerts", alert.DefaultMaxAlerts, "Alert ceiling for the run")
		fs.Parse(os.Args[2:])
		if fs.NArg() != 1 || *events == "" {
			fmt.Fprintf(os.Stderr, "Usage: siem-rules preview --events <file.json> [--at <time>] <rule-file>\n")
			os.Exit(1)
		}
		os.Exit(runPreview(os.Stdout, fs.Arg(0), *events, *at, *maxAlerts))
	case "-version", "--version", "-v":
		fmt.Printf("siem-rules %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage: siem-rules <command> [flags] [args]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  validate  Validate rule instance files or directories\n")
	fmt.Fprintf(w, "  list      List rule instances found in files or directories\n")
	fmt.Fprintf(w, "  types     List built-in rule types\n")
	fmt.Fprintf(w, "  preview   Dry-run a rule instance against sample events\n\n")
	fmt.Fprintf(w, "Flags:\n")
	fmt.Fprintf(w, "  -version  Show version and exit\n")
}

func builtinRegistry() *rule.Registry {
	reg := rule.NewRegistry()
	if err := rules.RegisterBuiltins(reg); err != nil {
		panic(err)
	}
	return reg
}

func runValidate(w io.Writer, paths []string, verbose bool) int {
	reg := builtinRegistry()
	var totalFiles, validFiles, invalidFiles int

	for _, path := range paths {
		files, err := collectYAMLFiles(path)
		if err != nil {
			fmt.Fprintf(w, "  FAIL  %s: %v\n", path, err)
			invalidFiles++
			continue
		}
		for _, f := range files {
			totalFiles++
			if validateFile(w, reg, f, verbose) {
				validFiles++
			} else {
				invalidFiles++
			}
		}
	}

	fmt.Fprintf(w, "\nResults: %d files checked, %d valid, %d invalid\n", totalFiles, validFiles, invalidFiles)
	if invalidFiles > 0 {
		return 1
	}
	return 0
}

func validateFile(w io.Writer, reg *rule.Registry, path string, verbose bool) bool {
	instances, err := readInstances(path)
	if err != nil {
		fmt.Fprintf(w, "  FAIL  %s: %v\n", path, err)
		return false
	}
	for _, inst := range instances {
		if err := rule.Check(reg, inst); err != nil {
			fmt.Fprintf(w, "  FAIL  %s: rule %s: %v\n", path, inst.ID, err)
			return false
		}
	}

	fmt.Fprintf(w, "  OK    %s (%d rule(s))\n", path, len(instances))
	if verbose {
		for _, inst := range instances {
			fmt.Fprintf(w, "        - [%s] %s (type=%s, schedule=%s, enabled=%t)\n",
				inst.ID, inst.Name, inst.TypeID, inst.Schedule, inst.Enabled)
			if len(inst.Tags) > 0 {
				fmt.Fprintf(w, "          tags: %s\n", strings.Join(inst.Tags, ", "))
			}
			for _, a := range inst.Actions {
				fmt.Fprintf(w, "          action: %s (%s)\n", a.ID, a.ConnectorType)
			}
		}
	}
	return true
}

func runList(w io.Writer, paths []string) int {
	for _, path := range paths {
		files, err := collectYAMLFiles(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", path, err)
			continue
		}
		for _, f := range files {
			instances, err := readInstances(f)
			if err != nil {
				continue
			}
			for _, inst := range instances {
				fmt.Fprintf(w, "%-32s  %-10s  %-10s  enabled=%-5t  %s\n",
					inst.ID, inst.TypeID, inst.Schedule, inst.Enabled, inst.Name)
			}
		}
	}
	return 0
}

func runTypes(w io.Writer) int {
	reg := builtinRegistry()
	for _, id := range reg.Types() {
		def, _ := reg.Resolve(id)
		fmt.Fprintf(w, "%-12s  v%d  schedule=%s  max_alerts=%d\n",
			id, def.Version(), def.DefaultSchedule(), def.DefaultMaxAlerts())
	}
	return 0
}

// runPreview runs every instance in ruleFile against the documents in
// eventsFile without writing alerts or scheduling actions.
func runPreview(w io.Writer, ruleFile, eventsFile, at string, maxAlerts int) int {
	instances, err := readInstances(ruleFile)
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return 1
	}

	data, err := os.ReadFile(eventsFile)
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return 1
	}
	var docs []source.Document
	if err := json.Unmarshal(data, &docs); err != nil {
		fmt.Fprintf(w, "Error: parse %s: %v\n", eventsFile, err)
		return 1
	}

	startedAt := time.Now().UTC()
	if at != "" {
		if startedAt, err = time.Parse(time.RFC3339, at); err != nil {
			fmt.Fprintf(w, "Error: invalid --at: %v\n", err)
			return 1
		}
	}

	gw := store.NewMemoryGateway()
	for _, d := range docs {
		gw.Index(d.Index, d)
	}

	logger := logging.Discard()
	budget := executor.DefaultBudget()
	budget.MaxAlerts = maxAlerts
	budget.DryRun = true
	reg := builtinRegistry()
	exec := executor.New(reg, executor.Services{
		Gateway:    gw,
		Windows:    maintenance.NewMemoryStore(),
		Dispatcher: action.NewDispatcher(action.NewLogSink(logger), logger),
		Logger:     logger,
	}, budget)

	failed := false
	for _, inst := range instances {
		def, err := reg.Resolve(inst.TypeID)
		if err != nil {
			fmt.Fprintf(w, "  FAIL  %s: %v\n", inst.ID, err)
			failed = true
			continue
		}
		params, err := rule.DecodeParams(def, inst.Params)
		if err != nil {
			fmt.Fprintf(w, "  FAIL  %s: %v\n", inst.ID, err)
			failed = true
			continue
		}

		res := exec.Execute(context.Background(), inst, params, executor.ExecutionContext{
			ExecutionID: uuid.New(),
			StartedAt:   startedAt,
			State:       inst.State,
		})
		if res.Err != nil {
			fmt.Fprintf(w, "  FAIL  %s: %v\n", inst.ID, res.Err)
			failed = true
			continue
		}
		fmt.Fprintf(w, "  OK    %s: %d alert(s) would be created, limit_reached=%t\n",
			inst.ID, res.Buffered, res.LimitReached)
	}

	if failed {
		return 1
	}
	return 0
}

func readInstances(path string) ([]*rule.Instance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return rule.ParseInstances(data)
}

func collectYAMLFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
