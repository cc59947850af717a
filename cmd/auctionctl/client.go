package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cloudx-io/escrowauction/auctionapi"
)

// gatewayClient posts requests to the HTTP gateway.
type gatewayClient struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

func newGatewayClient(base string, logger *slog.Logger) *gatewayClient {
	return &gatewayClient{
		base:   strings.TrimRight(base, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// Do sends req and returns the decoded response. Unsuccessful responses are
// returned together with their error.
func (c *gatewayClient) Do(ctx context.Context, req auctionapi.Request) (auctionapi.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return auctionapi.Response{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/requests", bytes.NewReader(body))
	if err != nil {
		return auctionapi.Response{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Debug("sending request", "type", req.Type, "contract", req.ContractID, "signers", len(req.Auth))
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return auctionapi.Response{}, fmt.Errorf("post %s: %w", req.Type, err)
	}
	defer httpResp.Body.Close()

	var resp auctionapi.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return auctionapi.Response{}, fmt.Errorf("decode response (HTTP %d): %w", httpResp.StatusCode, err)
	}
	c.logger.Debug("received response", "status", httpResp.StatusCode, "success", resp.Success, "ms", resp.ProcessingTime)
	return resp, resp.Err()
}
