package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/SpehKing/eo-cd-slo-sub000/internal/cli"
)

var rootCmd = &cobra.Command{Use: "eocd"}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
