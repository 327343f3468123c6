package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/warden/internal/audit"
	"github.com/fyrsmithlabs/warden/internal/config"
)

var errAuditFailed = errors.New("audit failed")

type auditOptions struct {
	latest  bool
	jsonOut bool
	noWrite bool
}

func newAuditCmd(opts *globalOptions) *cobra.Command {
	ao := &auditOptions{}
	cmd := &cobra.Command{
		Use:   "audit [report.json...]",
		Short: "Audit persisted cycle reports",
		Long: `Replay cycle reports against the cycle safety invariants. The audit reads
only the report; nothing is executed.

The command exits non-zero when any report has a CRITICAL violation.

Examples:
  warden audit .warden/cycles/cycle-1234.json
  warden audit --latest
  warden audit --json --no-write cycle-1234-partial.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd, opts, ao, args)
		},
	}
	cmd.Flags().BoolVar(&ao.latest, "latest", false, "audit the newest report in cycle.report_dir")
	cmd.Flags().BoolVar(&ao.jsonOut, "json", false, "print audit reports as JSON")
	cmd.Flags().BoolVar(&ao.noWrite, "no-write", false, "do not persist audit reports")
	return cmd
}

func runAudit(cmd *cobra.Command, opts *globalOptions, ao *auditOptions, paths []string) error {
	cfg, err := config.Load(opts.root, opts.configPath)
	if err != nil {
		return err
	}

	if ao.latest {
		p, err := latestReport(cfg.Cycle.ReportDir)
		if err != nil {
			return err
		}
		paths = append(paths, p)
	}
	if len(paths) == 0 {
		return errors.New("no report given; pass a path or --latest")
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, p := range paths {
		report, err := audit.LoadReport(p)
		if err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
		rep := audit.AuditCycle(report, audit.WithCaps(cfg.Cycle.Caps))

		written := ""
		if !ao.noWrite {
			if written, err = audit.WriteReport(filepath.Dir(p), rep); err != nil {
				return err
			}
		}

		if ao.jsonOut {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(rep); err != nil {
				return err
			}
		} else {
			fmt.Fprint(out, renderAudit(rep, written))
		}
		if rep.Verdict == audit.VerdictFail {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d reports", errAuditFailed, failed, len(paths))
	}
	return nil
}

// latestReport returns the most recently modified cycle report in dir.
func latestReport(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read report dir: %w", err)
	}

	type candidate struct {
		path string
		mod  int64
	}
	var found []candidate
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "cycle-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, candidate{filepath.Join(dir, name), info.ModTime().UnixNano()})
	}
	if len(found) == 0 {
		return "", fmt.Errorf("no cycle reports in %s", dir)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].mod > found[j].mod })
	return found[0].path, nil
}
