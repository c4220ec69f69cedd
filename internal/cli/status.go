package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index status",
	Long:  `Show index counts, backend state and cache effectiveness.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit status as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	st, err := rt.manager.Status(cmd.Context())
	if err != nil {
		return err
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fmt.Printf("Files: %d  Chunks: %d\n", st.Files, st.Chunks)
	for src, n := range st.FilesBySource {
		fmt.Printf("  %s: %d files, %d chunks\n", src, n, st.ChunksBySource[src])
	}
	if st.Provider != "" {
		fmt.Printf("Backend: %s (%s)", st.Provider, st.Model)
		if st.FallbackActive {
			fmt.Print(" [fallback]")
		}
		fmt.Println()
	} else {
		fmt.Printf("Backend: none (%s)\n", st.BackendReason)
	}
	if st.VectorSearchErr != "" {
		fmt.Printf("Vector search: unavailable (%s)\n", st.VectorSearchErr)
	}
	if st.KeywordSearchErr != "" {
		fmt.Printf("Keyword search: unavailable (%s)\n", st.KeywordSearchErr)
	}
	fmt.Printf("Cache: %d entries, %.0f%% hit rate\n", st.Cache.Entries, st.Cache.HitRate*100)
	if st.Batch.Submitted > 0 || st.Batch.Disabled {
		fmt.Printf("Batch: %d submitted, %d completed, disabled=%v\n",
			st.Batch.Submitted, st.Batch.Completed, st.Batch.Disabled)
	}
	if st.Dirty {
		fmt.Println("Index: dirty (sync pending)")
	}
	if st.LastSyncTime != nil {
		fmt.Printf("Last sync: %s\n", st.LastSyncTime.Format("2006-01-02 15:04:05"))
	}
	return nil
}
