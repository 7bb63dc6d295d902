package main

import (
	"net/http"

	"github.com/spf13/cobra"
)

var (
	notifyUser     string
	notifyTitle    string
	notifyBody     string
	notifyCategory string
	notifyUrgent   bool
)

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Send notifications through the orchestrator",
}

var notifySendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one notification (empty --user broadcasts to everyone)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAPI(http.MethodPost, "/v1/notify", map[string]interface{}{
			"user_id":  notifyUser,
			"title":    notifyTitle,
			"body":     notifyBody,
			"category": notifyCategory,
			"urgent":   notifyUrgent,
		})
	},
}

func init() {
	notifySendCmd.Flags().StringVar(&notifyUser, "user", "", "target user id")
	notifySendCmd.Flags().StringVar(&notifyTitle, "title", "", "notification title")
	notifySendCmd.Flags().StringVar(&notifyBody, "body", "", "notification body")
	notifySendCmd.Flags().StringVar(&notifyCategory, "category", "system", "order|ride|payment|marketing|system")
	notifySendCmd.Flags().BoolVar(&notifyUrgent, "urgent", false, "bypass quiet hours")
	notifySendCmd.MarkFlagRequired("title")

	notifyCmd.AddCommand(notifySendCmd)
	rootCmd.AddCommand(notifyCmd)
}
