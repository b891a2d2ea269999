package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"docqa/internal/domain"
)

var (
	queryText    string
	queryTopK    int
	queryJSON    bool
	queryBoost   []string
	queryExplain bool
)

var queryCmd = &cobra.Command{
	Use:   "query [text]",
	Short: "Retrieve cited passages for a question",
	Long: `Retrieve the passages most similar to the query. The query is embedded
with a provider whose dimensionality matches most of the stored vectors.

Boost terms add a fixed amount to passages whose filename or text mentions
them, for example a department or category name.

Examples:
  docqa query -q "how are refunds handled"
  docqa query "courier complaint" --boost kargo --top-k 3 --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringVarP(&queryText, "query", "q", "", "search query")
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 0, "number of results (default from config)")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "output as JSON")
	queryCmd.Flags().StringSliceVarP(&queryBoost, "boost", "b", nil, "keyword boost terms")
	queryCmd.Flags().BoolVar(&queryExplain, "explain", false, "print the routing decision")
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	query := queryText
	if query == "" && len(args) > 0 {
		query = args[0]
	}
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("a query is required: pass it as an argument or with -q")
	}

	topK := cfg.Retrieve.TopK
	if queryTopK > 0 {
		topK = queryTopK
	}

	a, err := openFromFlags(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if queryExplain {
		route, err := a.Router.Resolve(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "route: provider=%s dimensionality=%d dominant=%d degraded=%v\n",
			route.ProviderID, route.Dimensionality, route.Dominant, route.Degraded)
	}

	results, err := a.Retriever.Retrieve(cmd.Context(), query, topK, queryBoost)
	var unavailable *domain.RetrievalUnavailableError
	if errors.As(err, &unavailable) {
		fmt.Println("No relevant documents found.")
		fmt.Fprintf(os.Stderr, "%s\n", unavailable.Guidance)
		return nil
	}
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if queryJSON {
		output, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(output))
		return nil
	}

	if len(results) == 0 {
		fmt.Println("No relevant documents found.")
		return nil
	}
	fmt.Printf("Found %d results for: %s\n\n", len(results), query)
	for _, r := range results {
		boosted := ""
		if r.Boosted {
			boosted = ", boosted"
		}
		fmt.Printf("--- [%d] %s #%d chars %d-%d (score: %.3f, similarity: %.3f%s) ---\n",
			r.Rank, r.Citation.Filename, r.Citation.ChunkOrdinal, r.Citation.Span.Start, r.Citation.Span.End,
			r.Score, r.Similarity, boosted)
		text := []rune(r.Text)
		if len(text) > 500 {
			text = append(text[:500], []rune("...")...)
		}
		fmt.Println(string(text))
		fmt.Println()
	}
	return nil
}
