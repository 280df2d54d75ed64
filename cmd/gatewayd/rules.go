package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
	"github.com/xela07ax/spaceai-gateway/internal/engine"
	"github.com/xela07ax/spaceai-gateway/internal/rules"
)

func newRulesCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect rule files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check [file]",
		Short: "Parse and compile a rule file without installing it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := rulesPath(load, args)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			set, err := rules.Parse(data)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", path)
			fmt.Fprintf(out, "  version         %s\n", set.Label())
			fmt.Fprintf(out, "  default level   %s\n", set.DefaultLevel)
			fmt.Fprintf(out, "  classification  %d rules\n", len(set.Classification))
			fmt.Fprintf(out, "  backends        %d\n", len(set.Backends))
			for _, b := range set.Backends {
				fmt.Fprintf(out, "    %-20s %-15s %-6s cost=%g cap=%g\n", b.ID, b.Tier, b.Kind, b.CostPerUnit, b.BudgetCap)
			}
			return nil
		},
	})
	return cmd
}

// classifyOutput is what "gatewayd classify" prints: the pipeline up to, but not
// including, the budget gate.
type classifyOutput struct {
	Level          domain.SensitivityLevel `json:"level"`
	Classification []string                `json:"classification_rules"`
	Defense        domain.DefenseVerdict   `json:"defense"`
	Allowed        []string                `json:"allowed"`
	Rationale      []string                `json:"rationale"`
	RulesVersion   string                  `json:"rules_version"`
}

func newClassifyCmd(load loader) *cobra.Command {
	var rulesFile string
	cmd := &cobra.Command{
		Use:   "classify <task.json|->",
		Short: "Dry-run a task through classification, injection defense and policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := rulesPath(load, optional(rulesFile))
			if err != nil {
				return err
			}
			set, err := rules.LoadFile(path)
			if err != nil {
				return err
			}

			var raw []byte
			if args[0] == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			var req engine.SubmitRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return fmt.Errorf("task: %w", err)
			}
			sub, err := req.Submission("")
			if err != nil {
				return fmt.Errorf("task: %w", err)
			}

			task := domain.NewTask(sub.Content, sub.Purpose, sub.Capability)
			ev := engine.Evaluate(set, task, nil)

			out := classifyOutput{
				Level:          ev.Classification.Level,
				Classification: ev.Classification.RuleIDs,
				Defense:        ev.Decision.Defense,
				Allowed:        make([]string, 0, len(ev.Decision.Allowed)),
				Rationale:      ev.Decision.Rationale,
				RulesVersion:   ev.Decision.RulesVersion,
			}
			for _, b := range ev.Decision.Allowed {
				out.Allowed = append(out.Allowed, b.ID)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&rulesFile, "rules", "", "rule file (default: rules.path from config)")
	return cmd
}

func newPasswdCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Read a password from stdin and print its bcrypt hash for auth.operators",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			raw, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			password := strings.TrimRight(string(raw), "\r\n")
			if password == "" {
				return fmt.Errorf("empty password")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(password), cfg.Auth.BcryptCost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
}

// rulesPath returns the explicit path if given, otherwise rules.path from the config.
func rulesPath(load loader, args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	cfg, _, err := load()
	if err != nil {
		return "", err
	}
	return cfg.Rules.Path, nil
}

func optional(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
