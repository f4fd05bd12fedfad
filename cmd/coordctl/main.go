// Command coordctl runs the multi-agent coordination control plane as a
// standalone host process, or inspects a task file's hierarchy offline.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "coordctl",
		Short: "Multi-agent coordination control plane",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to coordctl.yaml")

	root.AddCommand(newServeCmd())
	root.AddCommand(newDoctorCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
