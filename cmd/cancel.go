package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelReason string

func init() {
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "operator_requested", "reason recorded against the cancelled run")
	rootCmd.AddCommand(cancelCmd)
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run_id>",
	Short: "Cancel a run by its run_id on the running daemon",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	runID := args[0]

	resp, err := callGateway(cfg.Gateway.Addr, cfg.Gateway.Token, "cancel_by_run_id", map[string]string{
		"run_id": runID,
		"reason": cancelReason,
	})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("cancel: %s", resp.Error)
	}

	result, _ := resp.Result.(map[string]any)
	if cancelled, _ := result["cancelled"].(bool); cancelled {
		fmt.Printf("Cancelled run %s.\n", runID)
	} else {
		fmt.Printf("No active run found for %s.\n", runID)
	}
	return nil
}
