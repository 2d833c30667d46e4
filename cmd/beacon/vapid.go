package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/beaconhq/beacon-delivery/internal/push"
)

func newVAPIDKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "vapid-keygen",
		Short: "Generate a VAPID signing keypair for push delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			private, public, err := push.GenerateVAPIDKeys()
			if err != nil {
				return fmt.Errorf("generate vapid keys: %w", err)
			}
			fmt.Printf("BEACON_VAPID_PUBLIC_KEY=%s\n", public)
			fmt.Printf("BEACON_VAPID_PRIVATE_KEY=%s\n", private)
			return nil
		},
	}
}
