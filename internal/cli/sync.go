package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/mnemo/pkg/memory"
)

var syncForce bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the memory index",
	Long:  `Index changed notes and transcripts. --force rebuilds the whole index.`,
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "force a full reindex")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	rt, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	err = rt.manager.Sync(cmd.Context(), memory.SyncOptions{
		Reason: "cli",
		Force:  syncForce,
		OnProgress: func(phase string, done, total int) {
			fmt.Printf("\r%s: %d/%d", phase, done, total)
			if done == total {
				fmt.Println()
			}
		},
	})
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	st, err := rt.manager.Status(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Indexed: %d files, %d chunks\n", st.Files, st.Chunks)
	return nil
}
