package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Watee22/epubTranslator/internal/checkpoint"
	"github.com/Watee22/epubTranslator/internal/config"
	"github.com/Watee22/epubTranslator/internal/glossary"
	"github.com/Watee22/epubTranslator/internal/job"
	"github.com/Watee22/epubTranslator/internal/terms"
	"github.com/Watee22/epubTranslator/internal/translation"
)

var (
	version = "1.0.0"
	logger  *logrus.Logger

	// loader holds the configuration resolved for the running command.
	loader *config.Loader
)

func init() {
	logger = logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "epub-translator <input.epub>",
	Short: "Resumable EPUB translation using OpenAI-compatible models",
	Long: `EPUB Translator translates the content documents and table of contents of an
EPUB through an OpenAI-compatible chat completion API. Progress is checkpointed
after every unit, so an interrupted run resumes where it stopped.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runTranslate,
}

// flagKeys maps config keys to the flags that override them.
var flagKeys = map[string]string{
	"openai.api_key":              "openai-key",
	"app.output_dir":              "output-dir",
	"app.temp_dir":                "temp-dir",
	"server.port":                 "port",
	"job.workers":                 "threads",
	"translation.target_language": "target-lang",
	"translation.source_language": "source-lang",
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path (default: config.json beside executable)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringP("openai-key", "k", "", "OpenAI API key")
	rootCmd.PersistentFlags().String("output-dir", "output", "Directory receiving a copy of each finished book")
	rootCmd.PersistentFlags().String("temp-dir", "tmp", "Temporary directory for processing files")

	rootCmd.Flags().StringP("output", "o", "", "Output EPUB path (default: <input>_<lang>.epub)")
	rootCmd.Flags().IntP("threads", "t", 5, "Number of concurrent workers")
	rootCmd.Flags().StringP("glossary", "g", "", "Glossary file (.json, .xlsx or .csv) overriding saved terms")
	rootCmd.Flags().Bool("no-resume", false, "Ignore any checkpoint and start over")
	rootCmd.Flags().Bool("extract-terms", false, "Write candidate glossary terms to <input>_terms.json and exit")
	rootCmd.Flags().String("target-lang", "zh-CN", "Target language (BCP 47)")
	rootCmd.Flags().String("source-lang", "auto", "Source language (BCP 47), or auto to detect")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(glossaryCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)

	glossaryCmd.AddCommand(glossaryImportCmd)
	glossaryCmd.AddCommand(glossaryExportCmd)
	glossaryCmd.AddCommand(glossaryExtractCmd)
}

func runTranslate(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}
	input := args[0]

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if extract, _ := cmd.Flags().GetBool("extract-terms"); extract {
		return extractTerms(input)
	}

	if err := cfg.RequireAPIKey(); err != nil {
		return err
	}

	var userTerms glossary.Terms
	if path, _ := cmd.Flags().GetString("glossary"); path != "" {
		userTerms, err = glossary.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read glossary %s: %w", path, err)
		}
		logger.Infof("Loaded %d glossary terms from %s", len(userTerms), path)
	}

	store, closeStore, err := newCheckpointStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	backend := newBackend(cfg)
	controller := newController(cfg, backend, store)
	controller.SetObserver(func(p job.Progress) {
		if p.Unit == "" {
			return
		}
		logger.WithFields(logrus.Fields{
			"job":    p.JobID,
			"unit":   p.Unit,
			"failed": p.Failed,
		}).Infof("Progress %d/%d", p.Done, p.Total)
	})

	ctx, stop := interruptContext(context.Background())
	defer stop()

	output, _ := cmd.Flags().GetString("output")
	noResume, _ := cmd.Flags().GetBool("no-resume")

	report, err := controller.Run(ctx, job.Options{
		InputPath:    input,
		OutputPath:   output,
		Workers:      cfg.Job.Workers,
		UserGlossary: userTerms,
		Resume:       !noResume,
	})
	if errors.Is(err, job.ErrInputFormat) {
		return err
	}
	if report != nil {
		printReport(report)
	}
	if err != nil {
		return err
	}
	if report.State != job.StateCompleted {
		return fmt.Errorf("translation %s, rerun to resume", report.State)
	}
	return nil
}

func printReport(r *job.Report) {
	fmt.Println(r.Summary())
	fmt.Printf("Output: %s\n", r.OutputPath)
	if r.PersistentCopyPath != "" {
		fmt.Printf("Copy:   %s\n", r.PersistentCopyPath)
	}
	if n := len(r.Unresolved); n > 0 {
		shown := r.Unresolved
		if n > 10 {
			shown = shown[:10]
		}
		fmt.Printf("Unresolved (%d): %s\n", n, strings.Join(shown, ", "))
	}
}

// extractTerms writes <input>_terms.json, a JSON array of candidate terms.
func extractTerms(input string) error {
	found, err := terms.Extract(input)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(found, "", "  ")
	if err != nil {
		return err
	}
	path := strings.TrimSuffix(input, filepath.Ext(input)) + "_terms.json"
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write terms: %w", err)
	}

	fmt.Printf("Extracted %d terms to %s\n", len(found), path)
	return nil
}

// interruptContext is cancelled by the first SIGINT or SIGTERM. A second
// signal exits immediately.
func interruptContext(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case <-sigCh:
		case <-done:
			return
		}
		logger.Warn("Interrupted, finishing in-flight units. Press Ctrl+C again to abort")
		cancel()

		select {
		case <-sigCh:
			logger.Error("Aborted")
			os.Exit(1)
		case <-done:
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		close(done)
		cancel()
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	setupLogging(cmd)

	configPath, _ := cmd.Flags().GetString("config")

	loader = config.NewLoader()
	for key, name := range flagKeys {
		if flag := cmd.Flags().Lookup(name); flag != nil {
			if err := loader.BindFlag(key, flag); err != nil {
				return nil, err
			}
		}
	}

	cfg, err := loader.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if used := loader.ConfigFileUsed(); used != "" {
		logger.Debugf("Loaded configuration from: %s", used)
	}
	return cfg, nil
}

func setupLogging(cmd *cobra.Command) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
}

func newBackend(cfg *config.Config) *translation.OpenAIBackend {
	return translation.NewOpenAIBackend(translation.OpenAIConfig{
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		Model:       cfg.OpenAI.Model,
		MaxTokens:   cfg.OpenAI.MaxTokens,
		Temperature: cfg.OpenAI.Temperature,
		Timeout:     cfg.OpenAI.RequestTimeout,
	}, logger)
}

func newController(cfg *config.Config, backend translation.Backend, store checkpoint.Store) *job.Controller {
	return job.NewController(
		backend,
		translation.Options{
			MaxRetries: cfg.Translation.MaxRetries,
			RetryDelay: cfg.Translation.RetryDelay,
			Pacing:     cfg.Translation.Pacing,
		},
		glossary.NewStore(cfg.Job.GlossaryDir, logger),
		store,
		job.Settings{
			TargetLanguage:     cfg.Translation.TargetLanguage,
			SourceLanguage:     cfg.Translation.SourceLanguage,
			Workers:            cfg.Job.Workers,
			CheckpointInterval: cfg.Job.CheckpointInterval,
			OutputSuffix:       cfg.Translation.OutputSuffix,
			TempDir:            cfg.App.TempDir,
			OutputDir:          cfg.App.OutputDir,
		},
		logger,
	)
}

// newCheckpointStore opens the configured checkpoint backend. The returned
// func releases it.
func newCheckpointStore(cfg *config.Config) (checkpoint.Store, func(), error) {
	switch cfg.Job.CheckpointBackend {
	case config.CheckpointSQLite:
		dir := cfg.Job.CheckpointDir
		if dir == "" {
			dir = cfg.App.TempDir
		}
		store, err := checkpoint.NewSQLiteStore(filepath.Join(dir, "checkpoints.db"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open checkpoint database: %w", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warnf("Failed to close checkpoint database: %v", err)
			}
		}, nil
	default:
		return checkpoint.NewFileStore(cfg.Job.CheckpointDir), func() {}, nil
	}
}
