package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/scriptbox/internal/security"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Statically check a script and print the verdict",
	Long:  "validate prints the validator verdict as JSON. The exit code is 2 when the script is rejected.",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	source, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading script: %w", err)
	}

	validator, err := security.NewValidator(security.PolicyFromConfig(&cfg.Security))
	if err != nil {
		return fmt.Errorf("building validator: %w", err)
	}
	verdict := validator.Validate(string(source))

	out, err := json.MarshalIndent(verdict, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if !verdict.Accepted {
		return &exitError{code: 2, err: verdict.Err()}
	}
	return nil
}
