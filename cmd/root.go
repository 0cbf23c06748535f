package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"paged-llm-go/llmserve"
	"paged-llm-go/tensor"
	"paged-llm-go/tokenizer"
)

var (
	prompt      string
	inputJSON   string
	temperature float32
	topP        float32
	steps       int

	withoutPagedAttn bool
	chunkSize        int
	maxBatchSize     int
	blockSize        int
	numBlocks        int

	asyncMode      bool
	sequentialMode bool

	hfTokenizerPath string
	configPath      string
	logLevel        string
	samplerSeed     int64
)

var rootCmd = &cobra.Command{
	Use:          "paged-llm [flags] MODEL_PATH",
	Short:        "Serve Llama-style text completion with a paged KV cache",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&prompt, "prompt", "i", "", "single prompt to complete")
	f.StringVar(&inputJSON, "input-json", "", "JSON benchmark input file")
	f.Float32VarP(&temperature, "temperature", "t", 1.0, "sampling temperature (0 = greedy)")
	f.Float32VarP(&topP, "top-p", "p", 0.9, "nucleus sampling mass")
	f.IntVarP(&steps, "steps", "n", 256, "max tokens to generate per request")

	f.BoolVar(&withoutPagedAttn, "without-paged-attn", false, "use a contiguous per-sequence KV cache")
	f.IntVar(&chunkSize, "chunk-size", 0, "legacy name for the per-batch token budget (max_tokens_per_batch)")
	f.IntVar(&maxBatchSize, "max-batch-size", 0, "max requests per scheduled batch")
	f.IntVar(&blockSize, "block-size", 0, "KV cache block size in tokens")
	f.IntVar(&numBlocks, "num-blocks", 0, "number of physical KV cache blocks")

	f.BoolVar(&asyncMode, "async", false, "replay benchmark arrival delays through a producer goroutine")
	f.BoolVar(&sequentialMode, "sequential", false, "run benchmark requests one at a time")

	f.StringVar(&hfTokenizerPath, "hf-tokenizer", "", "HuggingFace tokenizer.json to use instead of tokenizer.bin")
	f.StringVar(&configPath, "config", "", "YAML serving config file")
	f.StringVar(&logLevel, "log-level", "warning", "log verbosity")
	f.Int64Var(&samplerSeed, "seed", 0, "base seed mixed into per-request sampler seeds")
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func run(cmd *cobra.Command, args []string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q", logLevel)
	}
	log := logrus.New()
	log.SetLevel(level)

	if (prompt == "") == (inputJSON == "") {
		return fmt.Errorf("exactly one of --prompt and --input-json must be set")
	}

	modelFile, tokFile, err := resolveModelPath(args[0])
	if err != nil {
		return err
	}

	cfg, err := buildServingConfig(cmd)
	if err != nil {
		return err
	}

	modelCfg, weights, err := tensor.LoadCheckpoint(modelFile)
	if err != nil {
		return err
	}
	modelCfg.UsePagedAttention = cfg.UsePagedAttention
	modelCfg.BlockSize = cfg.BlockSize
	modelCfg.NumBlocks = cfg.NumBlocks
	modelCfg.EOSTokenID = cfg.EOSTokenID

	var tok tokenizer.Tokenizer
	if hfTokenizerPath != "" {
		tok, err = tokenizer.NewHFTokenizer(hfTokenizerPath)
	} else {
		tok, err = tokenizer.NewBPETokenizer(tokFile, modelCfg.VocabSize)
	}
	if err != nil {
		return err
	}
	defer tok.Close()

	model, err := tensor.NewModel(modelCfg, weights)
	if err != nil {
		return err
	}

	engine := llmserve.NewEngine(cfg, modelCfg, model, tok, log)

	if prompt != "" {
		return runSinglePrompt(engine)
	}
	return runBenchmark(engine, log)
}

// resolveModelPath accepts either a model directory holding model.bin and
// tokenizer.bin, or a checkpoint file with tokenizer.bin beside it.
func resolveModelPath(path string) (modelFile, tokFile string, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", "", fmt.Errorf("model path %s: %w", path, err)
	}
	if info.IsDir() {
		return filepath.Join(path, "model.bin"), filepath.Join(path, "tokenizer.bin"), nil
	}
	return path, filepath.Join(filepath.Dir(path), "tokenizer.bin"), nil
}

// buildServingConfig layers an optional YAML file under any flags the user
// actually set.
func buildServingConfig(cmd *cobra.Command) (*llmserve.Config, error) {
	var opts []llmserve.ConfigOption
	if withoutPagedAttn {
		opts = append(opts, llmserve.WithPagedAttention(false))
	}
	if cmd.Flags().Changed("chunk-size") {
		opts = append(opts, llmserve.WithMaxTokensPerBatch(chunkSize))
	}
	if cmd.Flags().Changed("max-batch-size") {
		opts = append(opts, llmserve.WithMaxBatchSize(maxBatchSize))
	}
	if cmd.Flags().Changed("block-size") {
		opts = append(opts, llmserve.WithBlockSize(blockSize))
	}
	if cmd.Flags().Changed("num-blocks") {
		opts = append(opts, llmserve.WithNumBlocks(numBlocks))
	}
	if cmd.Flags().Changed("seed") {
		opts = append(opts, llmserve.WithSamplerSeed(samplerSeed))
	}

	if configPath != "" {
		return llmserve.LoadConfigFile(configPath, opts...)
	}
	return llmserve.NewConfig(opts...)
}

func runSinglePrompt(engine *llmserve.Engine) error {
	params := llmserve.SamplingParams{
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   steps,
	}
	req := llmserve.NewRequest(0, prompt, params)

	fmt.Print(prompt)
	engine.SetStream(os.Stdout)
	metrics, err := engine.RunAll([]*llmserve.Request{req}, false)
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Print(metrics.Report())
	return nil
}

func runBenchmark(engine *llmserve.Engine, log *logrus.Logger) error {
	requests, err := llmserve.LoadBenchmarkFile(inputJSON)
	if err != nil {
		return err
	}

	var metrics *llmserve.Metrics
	switch {
	case asyncMode:
		metrics, err = runAsyncBenchmark(engine, requests, log)
	case sequentialMode:
		metrics, err = runSequentialBenchmark(engine, requests)
	default:
		metrics, err = engine.RunAll(requests, true)
	}
	if err != nil {
		return err
	}

	fmt.Print(metrics.Report())
	return nil
}

// runAsyncBenchmark replays arrival delays through a producer goroutine
// while the engine loop consumes from the queue.
func runAsyncBenchmark(engine *llmserve.Engine, requests []*llmserve.Request, log *logrus.Logger) (*llmserve.Metrics, error) {
	queue := llmserve.NewArrivalQueue()
	submitter := llmserve.NewSubmitter(queue, requests, log)

	var metrics *llmserve.Metrics
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return submitter.Run(ctx)
	})
	g.Go(func() error {
		m, err := engine.RunAsync(queue)
		metrics = m
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return metrics, nil
}

// runSequentialBenchmark drives one request at a time, resetting sequence
// state between runs.
func runSequentialBenchmark(engine *llmserve.Engine, requests []*llmserve.Request) (*llmserve.Metrics, error) {
	total := &llmserve.Metrics{}
	for _, req := range requests {
		engine.Reset()
		m, err := engine.RunAll([]*llmserve.Request{req}, false)
		if err != nil {
			return nil, err
		}
		total.Merge(m)
	}
	return total, nil
}
