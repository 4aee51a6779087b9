package cli

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Hydrate state, run the resume sweep, and wait for shutdown",
	Long: `Rebuild in-memory state from the event log, attempt to reattach any
sessions that were running when the previous process exited, then idle
until SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	manager, eventStore, cfg, err := buildManager(cmd)
	if err != nil {
		return err
	}
	defer eventStore.Close()

	actions := manager.ResumeSweep(cmd.Context())
	if cfg.LogLevel == "DEBUG" {
		for _, action := range actions {
			log.Printf("resume: task=%s status=%s failures=%d", action.TaskID, action.Status, action.FailureCount)
		}
	}
	log.Printf("hydra ready: %d resume attempts", len(actions))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop

	fmt.Printf("Received %s, shutting down\n", sig)
	return nil
}
