package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/benaskins/tandem/internal/spec"
)

type checkResult struct {
	Path  string   `json:"path"`
	Name  string   `json:"name,omitempty"`
	Order []string `json:"order,omitempty"`
	Valid bool     `json:"valid"`
	Error string   `json:"error,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check [group.yaml...]",
	Short: "Validate group files",
	Long:  "Parse and validate group files and print the order their services start in. Defaults to tandem.yaml in the current directory.",
	RunE:  runCheck,
}

var checkJSON bool

func init() {
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	files := args
	if len(files) == 0 {
		files = []string{"tandem.yaml"}
	}

	var results []checkResult
	var failed int
	for _, path := range files {
		results = append(results, checkFile(path))
		if !results[len(results)-1].Valid {
			failed++
		}
	}

	if checkJSON {
		if err := printJSON(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			if r.Valid {
				fmt.Printf("%s    %s (%s) %s\n", okStyle().Render("OK"), r.Path, r.Name, mutedStyle().Render(fmt.Sprint(r.Order)))
			} else {
				fmt.Fprintf(os.Stderr, "%s  %s\n      %v\n", errorStyle().Render("FAIL"), r.Path, r.Error)
			}
		}
		if len(files) > 1 {
			fmt.Printf("\n%d/%d groups valid\n", len(files)-failed, len(files))
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d group(s) failed validation", failed)
	}
	return nil
}

func checkFile(path string) checkResult {
	g, err := spec.Load(path)
	if err != nil {
		return checkResult{Path: path, Error: err.Error()}
	}
	order, err := g.StartOrder()
	if err != nil {
		return checkResult{Path: path, Error: err.Error()}
	}

	name := g.Name
	if name == "" {
		name = filepath.Base(g.Dir())
	}
	r := checkResult{Path: path, Name: name, Valid: true}
	for _, s := range order {
		r.Order = append(r.Order, s.Name)
	}
	return r
}
