package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spotsave/spotsave/cmd"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "spotsave",
		Short: "AWS cost dashboard backend",
	}

	rootCmd.AddCommand(cmd.NewServeCmd())
	rootCmd.AddCommand(cmd.NewPolicyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
