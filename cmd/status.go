package cmd

import (
	"fmt"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-lane utilization from the running daemon",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	resp, err := callGateway(cfg.Gateway.Addr, cfg.Gateway.Token, "status", nil)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("status: %s", resp.Error)
	}

	result, ok := resp.Result.(map[string]any)
	if !ok {
		return fmt.Errorf("status: unexpected response shape")
	}
	lanesRaw, _ := result["lanes"].([]any)

	rows := [][3]string{{"LANE", "IN_FLIGHT", "COMPLETED"}}
	for _, l := range lanesRaw {
		lane, ok := l.(map[string]any)
		if !ok {
			continue
		}
		name, _ := lane["name"].(string)
		inFlight := fmt.Sprintf("%v", lane["in_flight"])
		completed := fmt.Sprintf("%v", lane["completed"])
		rows = append(rows, [3]string{name, inFlight, completed})
	}

	printTable(rows)
	return nil
}

// printTable renders rows as fixed-width columns, accounting for
// double-width runes via go-runewidth so columns stay aligned even if a
// lane name contains non-ASCII characters.
func printTable(rows [][3]string) {
	var widths [3]int
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	for _, row := range rows {
		for i, cell := range row {
			pad := widths[i] - runewidth.StringWidth(cell) + 2
			fmt.Print(cell)
			for range make([]struct{}, pad) {
				fmt.Print(" ")
			}
		}
		fmt.Println()
	}
}
