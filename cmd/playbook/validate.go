package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/rendis/playbook/internal/engine"
	"github.com/rendis/playbook/internal/validation"
	"github.com/rendis/playbook/pkg/schema"
)

func newValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate playbook definitions (YAML or JSON) without running them",
		ArgsUsage: "FILE [FILE...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print results as JSON"},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			paths := command.Args().Slice()
			if len(paths) == 0 {
				return fmt.Errorf("at least one definition file is required")
			}
			cfg, err := resolveConfig(command)
			if err != nil {
				return err
			}
			reg, err := newServiceRegistry(cfg)
			if err != nil {
				return err
			}
			v, err := validation.New(
				validation.WithServices(reg),
				validation.WithPolicies(engine.NewPolicyRegistry()),
			)
			if err != nil {
				return err
			}

			reports := validateFiles(v, paths)
			if command.Bool("json") {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(reports); err != nil {
					return err
				}
			} else {
				printReports(os.Stdout, reports)
			}

			invalid := 0
			for _, r := range reports {
				if !r.Valid {
					invalid++
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d definitions are invalid", invalid, len(reports))
			}
			return nil
		},
	}
}

type fileReport struct {
	Path     string                   `json:"path"`
	ID       string                   `json:"id,omitempty"`
	Valid    bool                     `json:"valid"`
	Nodes    int                      `json:"nodes"`
	Errors   []schema.ValidationIssue `json:"errors,omitempty"`
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
}

func validateFiles(v *validation.Validator, paths []string) []fileReport {
	reports := make([]fileReport, 0, len(paths))
	for _, path := range paths {
		rep := fileReport{Path: path}
		data, err := os.ReadFile(path)
		if err != nil {
			var result schema.ValidationResult
			result.AddError("/", schema.ErrCodeValidation, err.Error())
			rep.Errors = result.Errors
			reports = append(reports, rep)
			continue
		}
		def, result := v.ValidateBytes(data)
		if def != nil {
			rep.ID = def.ID
			rep.Nodes = len(def.Nodes)
		}
		rep.Valid = result.Valid()
		rep.Errors = result.Errors
		rep.Warnings = result.Warnings
		reports = append(reports, rep)
	}
	return reports
}

func printReports(w io.Writer, reports []fileReport) {
	for _, r := range reports {
		status := "valid"
		if !r.Valid {
			status = "INVALID"
		}
		fmt.Fprintf(w, "%s: %s", r.Path, status)
		if r.ID != "" {
			fmt.Fprintf(w, " (%s, %d nodes)", r.ID, r.Nodes)
		}
		fmt.Fprintln(w)
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  error   %s: %s [%s]\n", e.Path, e.Message, e.Code)
		}
		for _, e := range r.Warnings {
			fmt.Fprintf(w, "  warning %s: %s [%s]\n", e.Path, e.Message, e.Code)
		}
	}
}
