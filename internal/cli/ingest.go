package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"docqa/internal/adapter/fs"
	"docqa/internal/usecase"
)

var (
	ingestProvider string
	ingestWorkers  int
	ingestPrune    bool
	ingestQuiet    bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [path...]",
	Short: "Chunk, embed and store documents",
	Long: `Ingest text and Markdown files. Directories are walked with the
configured include and exclude globs; unchanged files are skipped.

When no provider can embed, chunks are still stored and the document is
marked pending. Run 'docqa pending' once budgets reset.

Examples:
  docqa ingest .                       # Ingest the current directory
  docqa ingest docs/ notes.md          # Ingest a directory and a file
  docqa ingest . --provider local      # Prefer one provider`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringVar(&ingestProvider, "provider", "", "preferred embedding provider")
	ingestCmd.Flags().IntVarP(&ingestWorkers, "workers", "w", 0, "concurrent documents (default from config)")
	ingestCmd.Flags().BoolVar(&ingestPrune, "prune", false, "delete documents whose files are gone")
	ingestCmd.Flags().BoolVar(&ingestQuiet, "quiet", false, "hide the progress bar")
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	paths := args
	if len(paths) == 0 {
		paths = []string{GetRootDir()}
	}

	a, err := openFromFlags(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	walker := fs.NewWalker(cfg.Ingest.Includes, cfg.Ingest.Excludes)
	workers := cfg.Ingest.Workers
	if ingestWorkers > 0 {
		workers = ingestWorkers
	}

	total := &usecase.DirectoryResult{}
	start := time.Now()
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("invalid path: %w", err)
		}
		files, err := walker.Walk(abs)
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", abs, err)
		}
		fmt.Printf("Scanning %s: %d files\n", abs, len(files))

		bar := newIngestBar(len(files), ingestQuiet)
		var barMu sync.Mutex
		opts := usecase.DirectoryOptions{
			Workers:  workers,
			Provider: ingestProvider,
			Prune:    ingestPrune,
			Progress: func() {
				barMu.Lock()
				defer barMu.Unlock()
				_ = bar.Add(1)
			},
		}

		res, err := a.Ingest.IngestDirectory(cmd.Context(), abs, walker, walker, opts)
		_ = bar.Finish()
		if err != nil {
			return fmt.Errorf("ingest failed: %w", err)
		}
		total.FilesIngested += res.FilesIngested
		total.FilesSkipped += res.FilesSkipped
		total.FilesPending += res.FilesPending
		total.FilesDeleted += res.FilesDeleted
		total.Chunks += res.Chunks
		total.Errors = append(total.Errors, res.Errors...)
	}

	fmt.Printf("\nIngest complete in %s:\n", formatDuration(time.Since(start)))
	fmt.Printf("  Files ingested: %d\n", total.FilesIngested)
	fmt.Printf("  Files skipped:  %d (unchanged)\n", total.FilesSkipped)
	if total.FilesPending > 0 {
		fmt.Printf("  Files pending:  %d (queued, processing delayed)\n", total.FilesPending)
	}
	if total.FilesDeleted > 0 {
		fmt.Printf("  Files deleted:  %d (removed)\n", total.FilesDeleted)
	}
	fmt.Printf("  Chunks stored:  %d\n", total.Chunks)

	if len(total.Errors) > 0 {
		fmt.Printf("\nWarnings:\n")
		for _, e := range total.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}
	return nil
}

func newIngestBar(total int, quiet bool) *progressbar.ProgressBar {
	if quiet {
		return progressbar.DefaultSilent(int64(total))
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetElapsedTime(true),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetDescription("[cyan]Ingesting[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(os.Stderr)
		}),
	)
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
