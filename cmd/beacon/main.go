package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "beacon",
		Short: "Emergency alert delivery service",
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newVAPIDKeygenCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
