package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"docqa/config"
	"docqa/internal/bootstrap"
	"docqa/internal/domain"
	"docqa/internal/logging"
)

func main() {
	dir := flag.String("dir", ".", "Directory holding docqa.yaml and the data directory")
	query := flag.String("q", "", "Query to test")
	topK := flag.Int("k", 10, "Number of results")
	repeat := flag.Int("n", 1, "Repeat the query n times and report latency")
	flag.Parse()

	if *query == "" {
		fmt.Println("Usage: go run ./cmd/benchmark -dir ./handbook -q \"query\"")
		fmt.Println("\nReports:")
		fmt.Println("  1. Corpus dimension profile and the routing decision")
		fmt.Println("  2. Semantic similarity of the top results")
		fmt.Println("  3. Retrieval latency over repeated queries")
		os.Exit(1)
	}

	cfg, err := config.LoadFromDir(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	cfg.Logging.Level = "warn"
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()
	a, err := bootstrap.Open(ctx, cfg, *dir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening index: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	fmt.Println("RETRIEVAL CONSISTENCY BENCHMARK")
	fmt.Println(strings.Repeat("=", 70))

	route, err := a.Router.Resolve(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Routing error: %v\n", err)
		os.Exit(1)
	}
	total := route.Profile.Total()
	fmt.Printf("Embeddings stored: %d\n", total)
	for _, d := range route.Profile.Dimensions() {
		fmt.Printf("  dim %-6d %8d (%.1f%%)\n", d, route.Profile.Counts[d], 100*float64(route.Profile.Counts[d])/float64(max(total, 1)))
	}
	fmt.Printf("Query provider: %s (dim %d, corpus majority %d)\n", route.ProviderID, route.Dimensionality, route.Dominant)
	if route.Degraded {
		fmt.Println("  WARNING: no live provider matches the corpus majority")
	}
	if total == 0 {
		fmt.Println("\nNo embeddings - run 'docqa ingest' first")
		os.Exit(1)
	}
	fmt.Println()

	fmt.Printf("Query: \"%s\"\n", *query)
	fmt.Println(strings.Repeat("-", 70))

	var results []domain.RetrievalResult
	var elapsed time.Duration
	for i := 0; i < max(*repeat, 1); i++ {
		start := time.Now()
		results, err = a.Engine.Retrieve(ctx, *query, *topK, nil)
		elapsed += time.Since(start)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Search error: %v\n", err)
			os.Exit(1)
		}
	}
	if len(results) == 0 {
		fmt.Println("No results above the similarity floor.")
		os.Exit(1)
	}

	fmt.Printf("Top %d semantic matches:\n\n", len(results))

	totalScore := 0.0
	for _, r := range results {
		preview := []rune(r.Text)
		if len(preview) > 150 {
			preview = append(preview[:150], []rune("...")...)
		}

		totalScore += r.Similarity

		rating := "LOW"
		if r.Similarity > 0.7 {
			rating = "HIGH"
		} else if r.Similarity > 0.5 {
			rating = "GOOD"
		} else if r.Similarity > 0.3 {
			rating = "OK"
		}

		fmt.Printf("%d. [%s %.3f] %s #%d\n", r.Rank, rating, r.Similarity, shortPath(r.Citation.Filename), r.Citation.ChunkOrdinal)
		fmt.Printf("   %s\n\n", strings.ReplaceAll(string(preview), "\n", " "))
	}

	avgScore := totalScore / float64(len(results))
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("QUALITY METRICS:\n")
	fmt.Printf("  Average similarity: %.3f\n", avgScore)
	fmt.Printf("  Top-1 similarity:   %.3f\n", results[0].Similarity)
	fmt.Printf("  Mean latency:       %s\n", elapsed/time.Duration(max(*repeat, 1)))
	fmt.Printf("  Coverage:           %.1f%% of stored vectors comparable with the query\n",
		100*float64(route.Profile.Counts[route.Dimensionality])/float64(total))

	if avgScore > 0.5 {
		fmt.Println("  Status: GOOD - semantic search working well")
	} else if avgScore > 0.3 {
		fmt.Println("  Status: OK - results are somewhat related")
	} else {
		fmt.Println("  Status: POOR - consider 'docqa reembed' onto one provider")
	}
}

func shortPath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) > 2 {
		return parts[len(parts)-1]
	}
	return path
}
