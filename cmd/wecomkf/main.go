package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:   "wecomkf",
		Short: "WeCom customer-service bot server",
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config.toml")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
	root.AddCommand(serveCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
