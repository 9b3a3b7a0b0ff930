package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/crewdeck/crewdeck/internal/config"
	"github.com/crewdeck/crewdeck/internal/ui"
	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "session",
	Short:   "Save server credentials",
	Long: `Save the server URL and API token for this machine.

Credentials are stored with owner-only permissions in ~/.crewdeck. The
CREWDECK_SERVER_URL and CREWDECK_SERVER_TOKEN environment variables
override the saved login when set.`,
	Run: func(cmd *cobra.Command, args []string) {
		var serverURL, token string

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Server URL").
					Placeholder("https://api.crewdeck.example.com").
					Value(&serverURL).
					Validate(func(s string) error {
						if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
							return fmt.Errorf("must start with http:// or https://")
						}
						return nil
					}),
				huh.NewInput().
					Title("API token").
					EchoMode(huh.EchoModePassword).
					Value(&token).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("token is required")
						}
						return nil
					}),
			),
		)

		if err := form.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if err := config.SaveCredentials(&config.Credentials{URL: serverURL, Token: token}); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Logged in to %s\n", ui.RenderSuccess("✓"), ui.RenderAccent(serverURL))
		fmt.Println(ui.RenderMuted("Run 'crew sync --full' to populate the local cache"))
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "session",
	Short:   "Remove saved credentials",
	Run: func(cmd *cobra.Command, args []string) {
		if err := config.ClearCredentials(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Logged out; cached data and queued writes are untouched\n", ui.RenderSuccess("✓"))
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
