package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/LayerDynamics/mlxr/arena"
	"github.com/LayerDynamics/mlxr/config"
	"github.com/LayerDynamics/mlxr/metrics"
	"github.com/LayerDynamics/mlxr/model"
	"github.com/LayerDynamics/mlxr/modelref"
	"github.com/LayerDynamics/mlxr/pager"
	"github.com/LayerDynamics/mlxr/request"
	"github.com/LayerDynamics/mlxr/scheduler"
	"github.com/LayerDynamics/mlxr/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane against the reference model for one demo request",
	Run:   runServe,
}

func runServe(cmd *cobra.Command, args []string) {
	logrus.SetLevel(parseLogLevel())

	schedCfg := scheduler.DefaultConfig()
	schedCfg.MaxBatchTokens = maxBatchTokens
	schedCfg.MaxBatchSize = maxBatchSize

	arenaCfg := arena.Config{
		NumBlocks:       numBlocks,
		BlockSizeTokens: blockSizeTokens,
		BytesPerBlock:   bytesPerBlock,
	}

	if configPath != "" {
		bundle, err := config.Load(configPath)
		if err != nil {
			logrus.WithError(err).Fatal("loading config")
		}
		if err := bundle.Validate(); err != nil {
			logrus.WithError(err).Fatal("invalid config")
		}
		if bundle.Arena.NumBlocks > 0 {
			arenaCfg = bundle.Arena.ToArenaConfig()
		}
		if bundle.Scheduler.MaxBatchTokens > 0 {
			schedCfg = bundle.Scheduler.ToSchedulerConfig()
		}
	}

	a := arena.New(arenaCfg)
	p := pager.New(a)
	sched := scheduler.New(schedCfg, a, p)

	modelCfg := model.Config{VocabSize: vocabSize, MaxSeqLen: 4096}
	m := modelref.New(modelCfg, a)
	tok := modelref.NewTokenizer()

	if metricsAddr != "" {
		srv := metrics.Serve(metricsAddr)
		defer srv.Close()
		logrus.Infof("metrics listening on %s", metricsAddr)
	}

	promptTokens := tok.Encode(promptText)
	done := make(chan struct{})
	var generated []int

	req := &request.Request{
		ID:           "demo-1",
		PromptTokens: promptTokens,
		Sampling: request.SamplingParams{
			Temperature:  0,
			MaxTokens:    maxNewTokens,
			StopTokenIDs: []int{tok.EOSID()},
		},
		Callback: func(tokenID int, finished bool) {
			generated = append(generated, tokenID)
			if finished {
				close(done)
			}
		},
	}

	sampler := modelref.NewSampler(req.Sampling, 1)
	w := worker.New(worker.DefaultConfig(), sched, p, a, m, sampler)

	if err := sched.Submit(req); err != nil {
		logrus.WithError(err).Fatal("submitting demo request")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	go func() {
		_ = w.Run(ctx)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logrus.Warn("demo request timed out")
	}

	fmt.Printf("generated tokens: %v\n", generated)
	fmt.Printf("decoded: %q\n", tok.Decode(generated))
}
