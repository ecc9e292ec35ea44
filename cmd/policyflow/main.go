// Package main provides the CLI entry point for policyflow.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/blackms/policyflow-go/internal/application/agent"
	"github.com/blackms/policyflow-go/internal/infrastructure/reward"
)

var (
	version = "1.0.0"
)

func main() {
	// stdout carries the JSON response only; all logging goes to stderr.
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "policyflow",
	Short: "Policyflow - attention-based policy optimization agent",
	Long: `Policyflow trains an attention-based sequence predictor over panel or
cross-sectional data and searches a bounded policy-lever space for the
lever values that maximize a user-supplied reward.

It provides:
  - Panel and cross-sectional data windowing with z-score normalization
  - A multi-head self-attention sequence predictor trained with AdamW
  - Differential-evolution, Nelder-Mead and genetic policy search
  - Scenario analysis under named feature overrides`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
	},
}

// ============================================================================
// Run Command
// ============================================================================

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Handle one JSON request from stdin",
	Long: `Read a single JSON request object from standard input, execute the
selected action (train, predict, optimize or scenario) and write the JSON
response object to standard output.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		input, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read request: %w", err)
		}

		service := agent.NewService()
		response := service.Handle(input)

		if _, err := os.Stdout.Write(append(response, '\n')); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
		return nil
	},
}

// ============================================================================
// Reward Command
// ============================================================================

var rewardCmd = &cobra.Command{
	Use:   "reward",
	Short: "Reward expression utilities",
}

var rewardCheckCmd = &cobra.Command{
	Use:   "check [expression]",
	Short: "Validate a reward expression without running a search",
	Long: `Compile a reward expression and report whether it is usable. The
expression is read from the argument, or from stdin when no argument is
given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var source string
		if len(args) == 1 {
			source = args[0]
		} else {
			raw, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("failed to read expression: %w", err)
			}
			source = string(raw)
		}

		loader := reward.NewLoader()
		if err := loader.LoadFromSource(source); err != nil {
			return err
		}
		fmt.Println("reward expression OK")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rewardCmd.AddCommand(rewardCheckCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(rewardCmd)
}
