package cli

import (
	"context"

	"github.com/jvs-project/trail/pkg/config"
	"github.com/jvs-project/trail/pkg/trail"
)

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// openClient loads the config and opens a client. The CLI has no state
// reader or applier: it only operates on stored history.
func openClient(ctx context.Context, collab trail.Collaborators) (*trail.Client, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	c, err := trail.Open(ctx, cfg, collab)
	if err != nil {
		return nil, nil, err
	}
	return c, cfg, nil
}

// withClient runs fn against a client that is closed afterwards.
func withClient(ctx context.Context, fn func(c *trail.Client) error) error {
	c, _, err := openClient(ctx, trail.Collaborators{})
	if err != nil {
		return err
	}
	defer c.Close(ctx)
	return fn(c)
}
