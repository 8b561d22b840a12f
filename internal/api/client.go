package api

import (
	"context"
	"strings"

	"github.com/dreamware/fedcoord/internal/model"
	"github.com/dreamware/fedcoord/internal/tensor"
)

// Client talks to a coordinator at a base URL such as
// "http://localhost:3001".
type Client struct {
	base string
}

// NewClient returns a client for the coordinator at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{base: strings.TrimRight(baseURL, "/")}
}

// BaseURL returns the coordinator address the client was created with.
func (c *Client) BaseURL() string { return c.base }

// FetchModel downloads the global model.
func (c *Client) FetchModel(ctx context.Context) (*ModelResponse, error) {
	var out ModelResponse
	if err := GetJSON(ctx, c.base+PathGlobalModel, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchWeights downloads only the packed weight blob.
func (c *Client) FetchWeights(ctx context.Context) ([]byte, error) {
	return GetBytes(ctx, c.base+PathModelWeights)
}

// PushUpdate posts an update request as is.
func (c *Client) PushUpdate(ctx context.Context, req UpdateRequest) (*UpdateResponse, error) {
	var out UpdateResponse
	if err := PostJSON(ctx, c.base+PathUpdateModel, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PushWeights posts a single parameter set for the server to overwrite the
// global model with.
func (c *Client) PushWeights(ctx context.Context, ps model.ParameterSet) (*UpdateResponse, error) {
	return c.PushUpdate(ctx, UpdateRequest{Weights: EncodeSet(ps)})
}

// Status fetches the coordinator status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := GetJSON(ctx, c.base+PathStatus, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EncodeSet converts a parameter set to its JSON wire form.
func EncodeSet(ps model.ParameterSet) []tensor.Wire {
	out := make([]tensor.Wire, len(ps))
	for i, t := range ps {
		out[i] = tensor.Encode(t)
	}
	return out
}
