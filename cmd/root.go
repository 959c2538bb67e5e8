package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/ankane/mapcloud/internal"
	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mapcloud",
		Short:         "Save, load and share maps with cloud storage providers",
		Long:          "Save, load and share maps with cloud storage providers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.mapcloud/config.yaml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Show debug logs")
	rootCmd.PersistentFlags().String("format", "text", "Output format")

	rootCmd.AddCommand(
		providersCmd(),
		loginCmd(),
		logoutCmd(),
		listCmd(),
		saveCmd(),
		loadCmd(),
		exportCmd(),
		encodeCmd(),
		urlCmd(),
	)
	return rootCmd
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp builds the app from the persistent flags and closes it after f.
func withApp(cmd *cobra.Command, f func(app *internal.App) error) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return err
	}
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return err
	}

	app, err := internal.NewApp(internal.AppOptions{
		ConfigPath: configPath,
		Verbose:    verbose,
		Format:     format,
		Out:        os.Stdout,
		Err:        os.Stderr,
	})
	if err != nil {
		return err
	}
	defer app.Close()

	return f(app)
}

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List storage providers and their connection state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *internal.App) error {
				return app.ListProviders()
			})
		},
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <provider>",
		Short: "Log in to a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *internal.App) error {
				return app.Login(cmd.Context(), args[0])
			})
		},
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout <provider>",
		Short: "Log out of a provider and forget its credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *internal.App) error {
				return app.Logout(cmd.Context(), args[0])
			})
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <provider>",
		Short: "List the maps of the logged in user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *internal.App) error {
				return app.ListMaps(cmd.Context(), args[0])
			})
		},
	}
}

func saveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "save <provider> <map-file>",
		Short: "Upload a map and its datasets",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			private, err := cmd.Flags().GetBool("private")
			if err != nil {
				return err
			}
			update, err := cmd.Flags().GetString("update")
			if err != nil {
				return err
			}
			return withApp(cmd, func(app *internal.App) error {
				return app.SaveMap(cmd.Context(), args[0], args[1], internal.SaveOptions{Private: private, Update: update})
			})
		},
	}
	cmd.Flags().Bool("private", false, "Save as a private map")
	cmd.Flags().String("update", "", "Overwrite the map with this id")
	return cmd
}

func loadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load <provider | map-url>",
		Short: "Download a map and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, params, err := loadTarget(cmd, args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(app *internal.App) error {
				return app.LoadMap(cmd.Context(), provider, params)
			})
		},
	}
	addMapFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <provider> <dataset-file>...",
		Short: "Export datasets as tables",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *internal.App) error {
				return app.ExportDatasets(cmd.Context(), args[0], args[1:])
			})
		},
	}
}

func encodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encode <dataset-file>",
		Short: "Print a dataset as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(app *internal.App) error {
				return app.EncodeDataset(cmd.Context(), args[0])
			})
		},
	}
}

func urlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "url <provider>",
		Short: "Print the share URL of a map",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, params, err := loadTarget(cmd, args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(app *internal.App) error {
				return app.PrintURL(provider, params)
			})
		},
	}
	addMapFlags(cmd)
	return cmd
}

func addMapFlags(cmd *cobra.Command) {
	cmd.Flags().String("map-id", "", "Map id")
	cmd.Flags().String("owner", "", "Map owner")
	cmd.Flags().Bool("private", false, "Map is private")
}

// loadTarget accepts either a share URL or a provider name plus map flags.
func loadTarget(cmd *cobra.Command, arg string) (string, internal.LoadParams, error) {
	if provider, params, err := internal.ParseMapURL(arg); err == nil {
		return provider, params, nil
	}

	mapID, err := cmd.Flags().GetString("map-id")
	if err != nil {
		return "", internal.LoadParams{}, err
	}
	owner, err := cmd.Flags().GetString("owner")
	if err != nil {
		return "", internal.LoadParams{}, err
	}
	private, err := cmd.Flags().GetBool("private")
	if err != nil {
		return "", internal.LoadParams{}, err
	}
	if mapID == "" || owner == "" {
		return "", internal.LoadParams{}, fmt.Errorf("--map-id and --owner are required")
	}
	return arg, internal.LoadParams{MapID: mapID, Owner: owner, Private: private}, nil
}
