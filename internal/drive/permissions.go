package drive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
)

// Permission roles.
const (
	RoleOwner  = "owner"
	RoleWriter = "writer"
	RoleReader = "reader"
)

// Permission is a Drive v2 permission resource.
type Permission struct {
	ID           string `json:"id"`
	Role         string `json:"role"`
	Type         string `json:"type"`
	Value        string `json:"value,omitempty"`
	EmailAddress string `json:"emailAddress,omitempty"`
	Name         string `json:"name,omitempty"`
}

type permissionList struct {
	Items []Permission `json:"items"`
}

func permissionsPath(fileID string) string {
	return filePath(fileID) + "/permissions"
}

// ListPermissions returns the permissions on file id.
func (c *Client) ListPermissions(ctx context.Context, id string) ([]Permission, error) {
	resp, err := c.Request(ctx, Call{Method: http.MethodGet, Resource: permissionsPath(id)})
	if err != nil {
		return nil, fmt.Errorf("drive: listing permissions of %s: %w", id, err)
	}

	var list permissionList
	if err := resp.Decode(&list); err != nil {
		return nil, err
	}

	return list.Items, nil
}

// Share grants the user with the given email role on file id without
// sending a notification. Drive answers an unknown account with server
// errors until the request budget runs out; that exhaustion is reported
// as ErrInvalidAccount.
func (c *Client) Share(ctx context.Context, id, email, role string) (*Permission, error) {
	c.logger.Debug("sharing file",
		slog.String("file_id", id),
		slog.String("role", role),
	)

	p := c.requestPolicy
	p.OnExhausted = func(last error) error {
		return fmt.Errorf("%w %q: %w", ErrInvalidAccount, email, last)
	}

	resp, err := c.requestWith(ctx, p, Call{
		Method:   http.MethodPost,
		Resource: permissionsPath(id),
		Params:   url.Values{"sendNotificationEmails": {"false"}},
		Body: map[string]string{
			"role":  role,
			"type":  "user",
			"value": email,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("drive: sharing %s: %w", id, err)
	}

	var perm Permission
	if err := resp.Decode(&perm); err != nil {
		return nil, err
	}

	return &perm, nil
}

// MakeUserWriter shares file id with email as writer.
func (c *Client) MakeUserWriter(ctx context.Context, id, email string) (*Permission, error) {
	return c.Share(ctx, id, email, RoleWriter)
}

// MakeUserReader shares file id with email as reader.
func (c *Client) MakeUserReader(ctx context.Context, id, email string) (*Permission, error) {
	return c.Share(ctx, id, email, RoleReader)
}

// Unshare removes permissions from file id and returns how many were
// removed. With a permID only that permission is removed; otherwise every
// permission except the owner's and public ("anyone") ones is.
func (c *Client) Unshare(ctx context.Context, id, permID string) (int, error) {
	perms, err := c.ListPermissions(ctx, id)
	if err != nil {
		return 0, err
	}

	var targets []string

	for _, p := range perms {
		switch {
		case permID != "":
			if p.ID == permID {
				targets = append(targets, p.ID)
			}
		case p.Role == RoleOwner || p.Type == "anyone" || p.Role == "anyone":
			continue
		default:
			targets = append(targets, p.ID)
		}
	}

	if permID != "" && len(targets) == 0 {
		return 0, fmt.Errorf("drive: permission %s on %s: %w", permID, id, ErrNotFound)
	}

	var errs []error

	removed := 0

	for _, pid := range targets {
		_, err := c.Request(ctx, Call{
			Method:   http.MethodDelete,
			Resource: permissionsPath(id) + "/" + url.PathEscape(pid),
		})
		if err != nil {
			if ctx.Err() != nil {
				return removed, err
			}

			errs = append(errs, fmt.Errorf("drive: removing permission %s: %w", pid, err))

			continue
		}

		removed++
	}

	c.logger.Info("unshared file", slog.String("file_id", id), slog.Int("removed", removed))

	return removed, errors.Join(errs...)
}
