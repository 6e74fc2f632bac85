package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/gdrive-go/internal/drive"
)

func newGrantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Authorize gdrive-go with an OAuth client",
		Long: `Authorize gdrive-go to access Google Drive.

Prints the consent page URL. After approving access, paste the code shown
by Google (or pass it with --code). The resulting tokens and the client
credentials are stored in the credential file so later calls can refresh
the access token unattended.`,
		Args: cobra.NoArgs,
		RunE: runGrant,
	}

	cmd.Flags().String("client-id", "", "OAuth client id")
	cmd.Flags().String("client-secret", "", "OAuth client secret")
	cmd.Flags().String("code", "", "authorization code (prompted when omitted)")
	cmd.Flags().StringSlice("scope", nil, "OAuth scopes (default: drive.file, userinfo.email, userinfo.profile)")

	return cmd
}

func runGrant(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	clientID, _ := cmd.Flags().GetString("client-id")
	clientSecret, _ := cmd.Flags().GetString("client-secret")
	code, _ := cmd.Flags().GetString("code")
	scopes, _ := cmd.Flags().GetStringSlice("scope")

	client, store, err := newDriveClient(ctx, cc)
	if err != nil {
		return err
	}

	// Fall back to a client already on file, so re-granting needs no flags.
	cred := store.Credential()
	if clientID == "" {
		clientID = cred.ClientID()
	}

	if clientSecret == "" {
		clientSecret = cred.ClientSecret()
	}

	if clientID == "" || clientSecret == "" {
		return errors.New("grant needs --client-id and --client-secret")
	}

	oauthCfg := client.OAuthConfig(clientID, clientSecret, "", scopes)

	if code == "" {
		authURL, _, err := drive.AuthCodeURL(oauthCfg)
		if err != nil {
			return err
		}

		// The consent URL must stay visible even with --quiet.
		fmt.Fprintf(cc.Stderr, "Open this URL in a browser and approve access:\n\n  %s\n\n", authURL)
		fmt.Fprint(cc.Stderr, "Enter the authorization code: ")

		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("reading authorization code: %w", err)
		}

		code = strings.TrimSpace(line)
	}

	if err := client.Grant(ctx, oauthCfg, code); err != nil {
		return err
	}

	cc.Statusf("Authorization saved to %s\n", store.Path())

	return nil
}
