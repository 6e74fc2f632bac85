package main

import (
	"context"
	"log/slog"

	"github.com/tonimelisma/gdrive-go/internal/config"
	"github.com/tonimelisma/gdrive-go/internal/credfile"
	"github.com/tonimelisma/gdrive-go/internal/drive"
	"github.com/tonimelisma/gdrive-go/internal/retry"
	"github.com/tonimelisma/gdrive-go/internal/transport"
)

// newDriveClient opens the credential store and builds a Drive client from
// the resolved configuration. The store follows rewrites of the credential
// file by other processes until ctx is done.
func newDriveClient(ctx context.Context, cc *CLIContext) (*drive.Client, *credfile.Store, error) {
	store := credfile.Open(cc.Cfg.CredentialsPath, cc.Logger)

	go func() {
		if err := store.Watch(ctx); err != nil {
			cc.Logger.Debug("credential watch unavailable",
				slog.String("path", store.Path()),
				slog.String("error", err.Error()),
			)
		}
	}()

	hc := transport.NewHTTPClient(transport.Options{
		ConnectTimeout:        cc.Cfg.ConnectTimeout,
		ResponseHeaderTimeout: cc.Cfg.ResponseHeaderTimeout,
		InsecureSkipVerify:    cc.Cfg.InsecureSkipVerify,
		UserAgent:             cc.Cfg.UserAgent,
		Logger:                cc.Logger,
		Metrics:               cc.Metrics,
	})

	refresh, transfer, request := policiesFor(cc.Cfg, cc.Logger)

	client, err := drive.New(store, drive.Options{
		BaseURL:        cc.Cfg.BaseURL,
		TokenURL:       cc.Cfg.TokenURL,
		HTTPClient:     hc,
		CallTimeout:    cc.Cfg.CallTimeout,
		RequestPolicy:  request,
		RefreshPolicy:  refresh,
		TransferPolicy: transfer,
		Logger:         cc.Logger,
	})
	if err != nil {
		return nil, nil, err
	}

	return client, store, nil
}

// policiesFor builds the three retry budgets from configuration.
func policiesFor(cfg *config.Resolved, logger *slog.Logger) (refresh, transfer, request retry.Policy) {
	build := func(name string, tries int) retry.Policy {
		return retry.Policy{
			Name:     name,
			Tries:    tries,
			Delay:    cfg.BaseDelay,
			MaxDelay: cfg.MaxDelay,
			Logger:   logger,
		}
	}

	return build("refresh", cfg.RefreshTries),
		build("transfer", cfg.TransferTries),
		build("request", cfg.RequestTries)
}
