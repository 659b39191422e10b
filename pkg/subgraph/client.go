// Package subgraph checks persisted records against the collection's
// subgraph and collects the tokens the subgraph has no supplemental data for.
package subgraph

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/machinebox/graphql"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultEndpoint is the hosted Terraforms subgraph.
const DefaultEndpoint = "https://api.studio.thegraph.com/query/17746/terraforms/0.0.21"

const tokenQuery = `
query Token($id: ID!) {
  token(id: $id) {
    id
    supplementalData {
      id
    }
  }
}`

// Checker reports whether the subgraph holds supplemental data for a token.
// *Client satisfies it.
type Checker interface {
	HasSupplementalData(ctx context.Context, id uint64) (bool, error)
}

// ClientConfig holds the GraphQL client configuration.
type ClientConfig struct {
	// Endpoint is the subgraph query URL (REQUIRED)
	Endpoint string

	// UserAgent header sent with every request
	UserAgent string

	// Timeout for a single query
	Timeout time.Duration
}

// DefaultClientConfig returns the hosted subgraph configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Endpoint:  DefaultEndpoint,
		UserAgent: "terraforms-extractor/0.1.0",
		Timeout:   30 * time.Second,
	}
}

// Client queries the subgraph over GraphQL.
type Client struct {
	gql       *graphql.Client
	userAgent string
	logger    zerolog.Logger
}

// NewClient creates a subgraph client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("subgraph endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &Client{
		gql:       graphql.NewClient(cfg.Endpoint, graphql.WithHTTPClient(&http.Client{Timeout: cfg.Timeout})),
		userAgent: cfg.UserAgent,
		logger:    log.With().Str("component", "subgraph").Logger(),
	}
	c.gql.Log = func(s string) { c.logger.Debug().Msg(s) }
	return c, nil
}

type tokenResponse struct {
	Token *struct {
		ID               string `json:"id"`
		SupplementalData *struct {
			ID string `json:"id"`
		} `json:"supplementalData"`
	} `json:"token"`
}

// HasSupplementalData queries token(id). A token the subgraph does not know
// counts as having no supplemental data.
func (c *Client) HasSupplementalData(ctx context.Context, id uint64) (bool, error) {
	req := graphql.NewRequest(tokenQuery)
	req.Var("id", strconv.FormatUint(id, 10))
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var resp tokenResponse
	if err := c.gql.Run(ctx, req, &resp); err != nil {
		queriesTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("query token %d: %w", id, err)
	}
	queriesTotal.WithLabelValues("ok").Inc()

	return resp.Token != nil && resp.Token.SupplementalData != nil, nil
}
