package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/quattrex/settlement-service/internal/domain"
	"github.com/quattrex/settlement-service/internal/parser"
	"github.com/quattrex/settlement-service/internal/rules"
)

func rulesCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Validate a rule table and list its rules in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := rules.LoadFile(file)
			if err != nil {
				return err
			}
			return printRules(cmd.OutOrStdout(), table)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Rule table YAML (default: embedded table)")
	return cmd
}

func parseCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "parse [text]",
		Short: "Parse one notification text and print the result as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := rules.LoadFile(file)
			if err != nil {
				return err
			}
			return printParse(cmd.OutOrStdout(), parser.New(table), strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Rule table YAML (default: embedded table)")
	return cmd
}

func printRules(w io.Writer, table *rules.Table) error {
	fmt.Fprintf(w, "version %d, wildcard identity %q\n\n", table.Version(), table.WildcardIdentity())

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tNAME\tIDENTITY\tPACKAGES\tFLAGS")
	for i, rule := range table.Rules() {
		var flags []string
		if rule.Wildcard {
			flags = append(flags, "wildcard")
		}
		if rule.Generic {
			flags = append(flags, "generic")
		}
		if len(rule.Reject) > 0 {
			flags = append(flags, fmt.Sprintf("reject:%d", len(rule.Reject)))
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i+1, rule.Name, rule.Identity, strings.Join(rule.Packages, ","), strings.Join(flags, ","))
	}
	return tw.Flush()
}

type parseOutput struct {
	Parsed *domain.ParsedNotification `json:"parsed,omitempty"`
	Reason string                     `json:"no_match_reason,omitempty"`
}

func printParse(w io.Writer, p *parser.Parser, text string) error {
	var out parseOutput
	switch r := p.Parse(text).(type) {
	case domain.ParsedNotification:
		out.Parsed = &r
	case domain.NoMatch:
		out.Reason = r.Reason
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
