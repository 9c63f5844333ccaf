// Package fork decides per provider call whether the live network or a
// simulation fork answers it, and owns the fork's lifecycle.
package fork

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Brahma-fi/brahma-connect/internal/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"
)

var ErrForkCreation = errors.New("an error occurred while creating fork")

type ConductorOptions struct {
	BaseURL    string
	CreatePath string
	RPCPath    string
	Timeout    time.Duration
	JWTToken   string
}

// Conductor is the client of the forking service.
type Conductor struct {
	client *resty.Client
	opts   ConductorOptions
	logger *slog.Logger
}

func NewConductor(opts ConductorOptions) *Conductor {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	opts.CreatePath = strings.Trim(opts.CreatePath, "/")
	opts.RPCPath = strings.Trim(opts.RPCPath, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json")
	if opts.JWTToken != "" {
		client.SetAuthToken(opts.JWTToken)
	}

	return &Conductor{
		client: client,
		opts:   opts,
		logger: logger.Named("conductor"),
	}
}

// Assign asks the service to create or reuse the fork of account.
func (c *Conductor) Assign(ctx context.Context, account common.Address) error {
	path := "/" + c.opts.CreatePath + "/" + account.Hex()

	resp, err := c.client.R().SetContext(ctx).Post(path)
	if err != nil {
		c.logger.Error("fork assignment request failed", "account", account.Hex(), "err", err)
		return fmt.Errorf("%w: %w", ErrForkCreation, err)
	}
	if resp.StatusCode() != http.StatusOK {
		c.logger.Error("fork assignment rejected", "account", account.Hex(), "status", resp.StatusCode(), "body", resp.String())
		return fmt.Errorf("%w: status %d", ErrForkCreation, resp.StatusCode())
	}

	c.logger.Info("fork assigned", "account", account.Hex())
	return nil
}

// RPCURL is where the fork of account is served.
func (c *Conductor) RPCURL(account common.Address) string {
	return c.opts.BaseURL + "/" + c.opts.RPCPath + "/" + account.Hex()
}
