package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Watee22/epubTranslator/internal/config"
	"github.com/Watee22/epubTranslator/internal/glossary"
	"github.com/Watee22/epubTranslator/internal/server"
	"github.com/Watee22/epubTranslator/internal/terms"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP job server",
	Args:  cobra.NoArgs,
	RunE:  runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("EPUB Translator v%s\n", version)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration",
	Args:  cobra.NoArgs,
	RunE:  showConfig,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Args:  cobra.NoArgs,
	RunE:  initConfig,
}

var glossaryCmd = &cobra.Command{
	Use:   "glossary",
	Short: "Manage the glossary saved beside a book",
}

var glossaryImportCmd = &cobra.Command{
	Use:   "import <book.epub> <file>",
	Short: "Merge terms from a .json, .xlsx or .csv file into the book's glossary",
	Args:  cobra.ExactArgs(2),
	RunE:  importGlossary,
}

var glossaryExportCmd = &cobra.Command{
	Use:   "export <book.epub> <file>",
	Short: "Write the book's glossary to a .json, .xlsx or .csv file",
	Args:  cobra.ExactArgs(2),
	RunE:  exportGlossary,
}

var glossaryExtractCmd = &cobra.Command{
	Use:   "extract <book.epub> <file>",
	Short: "Write candidate terms to a sheet for translating",
	Args:  cobra.ExactArgs(2),
	RunE:  extractGlossary,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to run the web server on")
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.RequireAPIKey(); err != nil {
		return err
	}

	for _, dir := range []string{cfg.App.TempDir, cfg.App.OutputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	store, closeStore, err := newCheckpointStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, stop := interruptContext(cmd.Context())
	defer stop()

	hub := server.NewHub(logger)
	go hub.Run(ctx)
	logger.AddHook(server.NewLogHook(hub, logrus.InfoLevel))

	backend := newBackend(cfg)
	backend.SetPublisher(hub)

	srv := server.New(cfg, newController(cfg, backend, store), hub, logger)

	logger.Infof("Starting EPUB Translator server on port %d", cfg.Server.Port)
	logger.Infof("Temp directory: %s", cfg.App.TempDir)
	logger.Infof("Output directory: %s", cfg.App.OutputDir)

	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("Server exited gracefully")
	return nil
}

func showConfig(cmd *cobra.Command, _ []string) error {
	if _, err := loadConfig(cmd); err != nil {
		return err
	}

	file := loader.ConfigFileUsed()
	if file == "" {
		file = "(none, defaults and environment only)"
	}
	fmt.Printf("Configuration file: %s\n\n", file)

	data, err := json.MarshalIndent(loader.Settings(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func initConfig(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.GetConfigPath()
	}

	if err := config.WriteDefault(configPath); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", configPath)
	fmt.Printf("Set openai.api_key there, or export OPENAI_API_KEY\n")
	return nil
}

func importGlossary(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	book, file := args[0], args[1]

	imported, err := glossary.ReadFile(file)
	if err != nil {
		return err
	}

	store := glossary.NewStore(cfg.Job.GlossaryDir, logger)
	g, err := store.Load(book, imported)
	if err != nil {
		return err
	}

	fmt.Printf("Imported %d terms, %s now holds %d\n", len(imported), store.Path(book), g.Len())
	return nil
}

func exportGlossary(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	book, file := args[0], args[1]

	store := glossary.NewStore(cfg.Job.GlossaryDir, logger)
	g, err := store.Load(book, nil)
	if err != nil {
		return err
	}
	if g.Len() == 0 {
		return fmt.Errorf("no glossary saved at %s", store.Path(book))
	}

	if err := glossary.WriteFile(file, g.Terms()); err != nil {
		return err
	}
	fmt.Printf("Exported %d terms to %s\n", g.Len(), file)
	return nil
}

func extractGlossary(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(cmd); err != nil {
		return err
	}
	book, file := args[0], args[1]

	found, err := terms.Extract(book)
	if err != nil {
		return err
	}
	if err := terms.ExportSheet(file, found); err != nil {
		return err
	}

	fmt.Printf("Extracted %d terms to %s\n", len(found), file)
	fmt.Printf("Fill in the translations, then run: epub-translator glossary import %s %s\n", book, file)
	return nil
}
