package cli

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/pkg/memory"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine as a long-lived process",
	Long: `Keep the index synchronized in the background: watch notes, track
session growth and serve metrics when enabled.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	log := rt.log.Zerolog()

	if err := rt.manager.Sync(cmd.Context(), memory.SyncOptions{Reason: "startup"}); err != nil {
		log.Warn().Err(err).Msg("Startup sync failed, continuing with existing index")
	}

	if rt.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler())
		srv := &http.Server{Addr: rt.cfg.Metrics.Addr, Handler: mux}
		go func() {
			log.Info().Str("addr", rt.cfg.Metrics.Addr).Msg("Metrics endpoint listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics endpoint failed")
			}
		}()
		defer srv.Close()
	}

	fmt.Println("mnemo running, press Ctrl+C to stop")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
	case <-cmd.Context().Done():
	}

	log.Info().Msg("Shutting down")
	return nil
}
