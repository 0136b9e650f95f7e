package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/javi11/romforge/internal/config"
)

func init() {
	authCmd := &cobra.Command{
		Use:   "auth",
		Short: "Store name-lookup service credentials",
		Long: `Prompt for the name-lookup client id and token and save them to the
per-user credentials file. Saved credentials are used whenever the
corresponding flags are not given.`,
		Args: cobra.NoArgs,
		RunE: runAuth,
	}

	rootCmd.AddCommand(authCmd)
}

func runAuth(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Print("Client ID: ")
	clientID, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading client id: %w", err)
	}
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return fmt.Errorf("client id must not be empty")
	}

	fmt.Print("Token: ")
	byteToken, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("\nreading token: %w", err)
	}
	fmt.Println()

	fmt.Print("Confirm token: ")
	byteConfirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("\nreading confirmation: %w", err)
	}
	fmt.Println()

	token := strings.TrimSpace(string(byteToken))
	if token != strings.TrimSpace(string(byteConfirm)) {
		return fmt.Errorf("tokens do not match")
	}
	if token == "" {
		return fmt.Errorf("token must not be empty")
	}

	if err := config.SaveCredentials(config.Credentials{ClientID: clientID, Token: token}); err != nil {
		return err
	}

	path, _ := config.CredentialsPath()
	fmt.Printf("Credentials saved to %s.\n", path)
	return nil
}
