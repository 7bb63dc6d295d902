package main

import (
	"net/http"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the durable retry queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue item counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAPI(http.MethodGet, "/v1/queue/stats", nil)
	},
}

func init() {
	queueCmd.AddCommand(queueStatsCmd)
	rootCmd.AddCommand(queueCmd)
}
