package main

import (
	"net/http"

	"github.com/spf13/cobra"
)

var (
	fenceName    string
	fenceLat     float64
	fenceLng     float64
	fenceRadius  float64
	fencePurpose string
	fenceOrder   string
	fenceRide    string
	fenceVendor  string
)

var geofenceCmd = &cobra.Command{
	Use:   "geofence",
	Short: "Manage geofences",
}

var geofenceCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a circular geofence",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAPI(http.MethodPost, "/v1/geofences", map[string]interface{}{
			"name":      fenceName,
			"latitude":  fenceLat,
			"longitude": fenceLng,
			"radius_km": fenceRadius,
			"purpose":   fencePurpose,
			"order_id":  fenceOrder,
			"ride_id":   fenceRide,
			"vendor_id": fenceVendor,
		})
	},
}

func init() {
	geofenceCreateCmd.Flags().StringVar(&fenceName, "name", "", "fence name")
	geofenceCreateCmd.Flags().Float64Var(&fenceLat, "lat", 0, "center latitude")
	geofenceCreateCmd.Flags().Float64Var(&fenceLng, "lng", 0, "center longitude")
	geofenceCreateCmd.Flags().Float64Var(&fenceRadius, "radius-km", 0.2, "radius in kilometers")
	geofenceCreateCmd.Flags().StringVar(&fencePurpose, "purpose", "pickup", "pickup|delivery|vendor-area")
	geofenceCreateCmd.Flags().StringVar(&fenceOrder, "order", "", "order id the fence belongs to")
	geofenceCreateCmd.Flags().StringVar(&fenceRide, "ride", "", "ride id the fence belongs to")
	geofenceCreateCmd.Flags().StringVar(&fenceVendor, "vendor", "", "vendor id for vendor-area fences")
	geofenceCreateCmd.MarkFlagRequired("name")
	geofenceCreateCmd.MarkFlagRequired("lat")
	geofenceCreateCmd.MarkFlagRequired("lng")

	geofenceCmd.AddCommand(geofenceCreateCmd)
	rootCmd.AddCommand(geofenceCmd)
}
