package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/gdrive-go/internal/drive"
)

func newShareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share <file-id> <email>",
		Short: "Grant a user access to a file without a notification email",
		Args:  cobra.ExactArgs(2),
		RunE:  runShare,
	}

	cmd.Flags().String("role", drive.RoleWriter, "role to grant: writer or reader")

	return cmd
}

func newUnshareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unshare <file-id> [permission-id]",
		Short: "Revoke one permission, or every user permission except the owner's",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runUnshare,
	}
}

func newPermsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "perms <file-id>",
		Short: "List the permissions on a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runPerms,
	}
}

func runShare(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)
	id, email := args[0], args[1]

	role, _ := cmd.Flags().GetString("role")
	if role != drive.RoleWriter && role != drive.RoleReader {
		return fmt.Errorf("--role must be %q or %q, got %q", drive.RoleWriter, drive.RoleReader, role)
	}

	client, _, err := newDriveClient(ctx, cc)
	if err != nil {
		return err
	}

	perm, err := client.Share(ctx, id, email, role)
	if errors.Is(err, drive.ErrInvalidAccount) {
		return fmt.Errorf("%s is not a Google account, or sharing is blocked: %w", email, err)
	}

	if err != nil {
		return fmt.Errorf("sharing %q: %w", id, err)
	}

	if cc.Flags.JSON {
		return printJSON(cc.Stdout, perm)
	}

	cc.Statusf("Shared %s with %s as %s (permission %s)\n", id, email, perm.Role, perm.ID)

	return nil
}

func runUnshare(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	permID := ""
	if len(args) > 1 {
		permID = args[1]
	}

	client, _, err := newDriveClient(ctx, cc)
	if err != nil {
		return err
	}

	n, err := client.Unshare(ctx, args[0], permID)
	if err != nil {
		return fmt.Errorf("unsharing %q (%d removed): %w", args[0], n, err)
	}

	cc.Statusf("Removed %d permission(s) from %s\n", n, args[0])

	return nil
}

func runPerms(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	client, _, err := newDriveClient(ctx, cc)
	if err != nil {
		return err
	}

	perms, err := client.ListPermissions(ctx, args[0])
	if err != nil {
		return fmt.Errorf("listing permissions of %q: %w", args[0], err)
	}

	if cc.Flags.JSON {
		return printJSON(cc.Stdout, perms)
	}

	rows := make([][]string, 0, len(perms))
	for _, p := range perms {
		who := p.EmailAddress
		if who == "" {
			who = p.Name
		}

		rows = append(rows, []string{p.ID, p.Role, p.Type, who})
	}

	printTable(cc.Stdout, []string{"ID", "ROLE", "TYPE", "WHO"}, rows)

	return nil
}
