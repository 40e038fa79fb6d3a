// Package cmd implements the reference CLI: a cobra-based entrypoint
// wiring Arena, Pager, Scheduler, and Worker into a runnable demo driven by
// the modelref reference Model/Sampler/Tokenizer.
//
// A package-level rootCmd plus one subcommand, flags bound in init(),
// logrus level parsed from a string flag, Execute() wrapping
// rootCmd.Execute() with os.Exit(1) on error.
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	numBlocks       int
	blockSizeTokens int64
	bytesPerBlock   int
	vocabSize       int
	maxBatchTokens  int64
	maxBatchSize    int64
	logLevel        string
	metricsAddr     string
	configPath      string
	promptText      string
	maxNewTokens    int
)

var rootCmd = &cobra.Command{
	Use:   "mlxrd",
	Short: "On-device LLM serving runtime control plane",
}

// Execute runs the root command, exiting with status 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	serveCmd.Flags().IntVar(&numBlocks, "kv-blocks", 256, "Total number of device KV cache blocks")
	serveCmd.Flags().Int64Var(&blockSizeTokens, "block-size", 16, "Tokens held per KV cache block")
	serveCmd.Flags().IntVar(&bytesPerBlock, "bytes-per-block", 4096, "Bytes of K (and of V) storage per block")
	serveCmd.Flags().IntVar(&vocabSize, "vocab-size", 256, "Reference model vocabulary size")
	serveCmd.Flags().Int64Var(&maxBatchTokens, "max-batch-tokens", 8192, "Hard cap on prefill+decode tokens per step")
	serveCmd.Flags().Int64Var(&maxBatchSize, "max-batch-size", 128, "Hard cap on request count per step")
	serveCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to expose /metrics on (empty disables)")
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML policy bundle (optional)")
	serveCmd.Flags().StringVar(&promptText, "prompt", "hello world", "Prompt text for the demo request")
	serveCmd.Flags().IntVar(&maxNewTokens, "max-tokens", 16, "Maximum tokens to generate for the demo request")

	rootCmd.AddCommand(serveCmd)
}

func parseLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("invalid log level: %s", logLevel)
	}
	return level
}
