package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sapliy/marketpulse/internal/auth"
)

var (
	tokenUser string
	tokenRole string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development JWT for connecting to /ws",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := viper.GetString("jwt_secret")
		if secret == "" {
			return fmt.Errorf("jwt_secret is not configured")
		}
		token, err := auth.MintToken(secret, auth.Identity{UserID: tokenUser, Role: tokenRole})
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id (sub claim)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "customer", "customer|driver|vendor|admin")
	tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(tokenCmd)
}
