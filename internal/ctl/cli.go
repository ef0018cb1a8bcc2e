package ctl

import (
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// BuildRootCmd constructs the modelcachectl Cobra command tree.
func BuildRootCmd() *cobra.Command {
	client := &Client{HTTP: http.DefaultClient, Out: os.Stdout}

	root := &cobra.Command{
		Use:           "modelcachectl",
		Short:         "Client for the modelcached model download daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&client.Server, "server",
		envOr("MODELCACHED_SERVER", "http://127.0.0.1:8080"),
		"Base URL of the modelcached server")

	listCmd := &cobra.Command{
		Use:     "list",
		Short:   "List downloaded models",
		Example: "  modelcachectl list",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.ListModels()
		},
	}

	var downloadType string
	var allowCellular bool
	getCmd := &cobra.Command{
		Use:     "get <name>",
		Short:   "Get a model, downloading it when needed",
		Example: "  modelcachectl get pose-detection\n  modelcachectl get pose-detection --type local",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.GetModel(args[0], downloadType, allowCellular)
		},
	}
	getCmd.Flags().StringVar(&downloadType, "type", "latest",
		"Download type: latest|local|local_update_in_background")
	getCmd.Flags().BoolVar(&allowCellular, "allow-cellular", false,
		"Permit the transfer on a cellular network")

	deleteCmd := &cobra.Command{
		Use:     "delete <name>",
		Short:   "Delete a downloaded model",
		Example: "  modelcachectl delete pose-detection",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.DeleteModel(args[0])
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.Status()
		},
	}

	root.AddCommand(listCmd, getCmd, deleteCmd, statusCmd)
	return root
}
