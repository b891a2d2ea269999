package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"docqa/internal/domain"
)

var (
	adminJSON     bool
	docsStatus    string
	reembedTarget string
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show stored vectors per dimensionality and the query route",
	RunE:  runProfile,
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List embedding providers with their budgets",
	RunE:  runProviders,
}

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "List ingested documents",
	RunE:  runDocs,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <document-id>...",
	Short: "Delete documents with their chunks and vectors",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDelete,
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Embed documents that were queued while no provider was available",
	RunE:  runPending,
}

var reembedCmd = &cobra.Command{
	Use:   "reembed",
	Short: "Re-embed the corpus with one provider",
	Long: `Re-embed every chunk not already embedded by the given provider, so that
all stored vectors share one dimensionality again.

Example:
  docqa reembed --provider local`,
	RunE: runReembed,
}

func init() {
	rootCmd.AddCommand(profileCmd, providersCmd, docsCmd, deleteCmd, pendingCmd, reembedCmd)
	for _, c := range []*cobra.Command{profileCmd, providersCmd, docsCmd} {
		c.Flags().BoolVar(&adminJSON, "json", false, "output as JSON")
	}
	docsCmd.Flags().StringVar(&docsStatus, "status", "", "only documents with this status (ready, pending, failed, processing)")
	reembedCmd.Flags().StringVar(&reembedTarget, "provider", "", "provider to re-embed with (required)")
	_ = reembedCmd.MarkFlagRequired("provider")
}

type profileView struct {
	Counts     map[int]int `json:"counts"`
	Total      int         `json:"total"`
	Dominant   int         `json:"dominant_dimensionality"`
	ProviderID string      `json:"query_provider"`
	Degraded   bool        `json:"degraded"`
}

func runProfile(cmd *cobra.Command, args []string) error {
	a, err := openFromFlags(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	route, err := a.Router.Resolve(cmd.Context())
	if err != nil {
		return err
	}
	view := profileView{
		Counts:     route.Profile.Counts,
		Total:      route.Profile.Total(),
		Dominant:   route.Dominant,
		ProviderID: route.ProviderID,
		Degraded:   route.Degraded,
	}
	if adminJSON {
		return printJSON(view)
	}

	if view.Total == 0 {
		fmt.Println("No vectors stored.")
		fmt.Printf("Queries would use: %s\n", view.ProviderID)
		return nil
	}
	fmt.Printf("%-16s %10s %8s\n", "DIMENSIONALITY", "RECORDS", "SHARE")
	for _, d := range route.Profile.Dimensions() {
		n := route.Profile.Counts[d]
		marker := ""
		if d == route.Dominant {
			marker = " *"
		}
		fmt.Printf("%-16d %10d %7.1f%%%s\n", d, n, 100*float64(n)/float64(view.Total), marker)
	}
	fmt.Printf("\nQuery provider: %s", view.ProviderID)
	if view.Degraded {
		fmt.Printf(" (degraded: no live provider for dimensionality %d)", view.Dominant)
	}
	fmt.Println()
	return nil
}

func runProviders(cmd *cobra.Command, args []string) error {
	a, err := openFromFlags(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	descs := a.Registry.Descriptors()
	if adminJSON {
		return printJSON(descs)
	}

	fmt.Printf("%-14s %6s %10s %10s %-8s %s\n", "PROVIDER", "DIM", "USED", "BUDGET", "STATE", "RESETS")
	for _, d := range descs {
		budget := "unlimited"
		if d.CallBudget > 0 {
			budget = fmt.Sprint(d.CallBudget)
		}
		state := "live"
		if d.Remaining() == 0 {
			state = "spent"
		}
		if d.Fallback {
			state += ",fallback"
		}
		resets := "-"
		if !d.BudgetResetAt.IsZero() {
			resets = d.BudgetResetAt.Format(time.RFC3339)
		}
		fmt.Printf("%-14s %6d %10d %10s %-8s %s\n", d.ID, d.Dimensionality, d.CallsUsed, budget, state, resets)
	}
	return nil
}

func runDocs(cmd *cobra.Command, args []string) error {
	a, err := openFromFlags(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	all, err := a.Docs.ListDocs()
	if err != nil {
		return err
	}
	docs := all[:0]
	for _, d := range all {
		if docsStatus == "" || string(d.Status) == docsStatus {
			docs = append(docs, d)
		}
	}
	if adminJSON {
		return printJSON(docs)
	}

	if len(docs) == 0 {
		fmt.Println("No documents.")
		return nil
	}
	fmt.Printf("%-36s %-10s %7s  %-20s %s\n", "ID", "STATUS", "CHUNKS", "UPDATED", "FILENAME")
	for _, d := range docs {
		fmt.Printf("%-36s %-10s %7d  %-20s %s\n", d.ID, d.Status, d.ChunkCount, d.UpdatedAt.Format("2006-01-02 15:04:05"), d.Filename)
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	a, err := openFromFlags(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	var errs []error
	for _, id := range args {
		if err := a.Ingest.DeleteDocument(cmd.Context(), id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		fmt.Printf("Deleted %s\n", id)
	}
	return errors.Join(errs...)
}

func runPending(cmd *cobra.Command, args []string) error {
	a, err := openFromFlags(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.Ingest.ProcessPending(cmd.Context())
	fmt.Printf("Processed %d pending documents\n", n)
	if errors.Is(err, domain.ErrEmbeddingUnavailable) {
		fmt.Println("Some documents are still pending: no embedding provider is available.")
		return nil
	}
	return err
}

func runReembed(cmd *cobra.Command, args []string) error {
	a, err := openFromFlags(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	res, err := a.Ingest.Reembed(cmd.Context(), reembedTarget)
	if res != nil {
		fmt.Printf("Re-embedded %d chunks in %d documents (%d already on %s) in %s\n",
			res.Chunks, res.Documents, res.Skipped, reembedTarget, formatDuration(time.Since(start)))
		if res.Substituted > 0 {
			fmt.Printf("Warning: %d chunks were embedded by another provider because %s ran out of budget.\n",
				res.Substituted, reembedTarget)
		}
	}
	return err
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
