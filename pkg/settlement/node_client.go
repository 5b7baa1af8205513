package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hexline-labs/couponpool-backend/pkg/config"
	"github.com/hexline-labs/couponpool-backend/pkg/logger"
	"github.com/hexline-labs/couponpool-backend/pkg/types"
)

var (
	errNodeURLRequired   = errors.New("settlement node url is required")
	errSignerKeyRequired = errors.New("settlement signer key is required")
	errLoggerRequired    = errors.New("settlement logger is required")
)

// NodeClient talks to a settlement network node over HTTP. The node holds the
// submission endpoint; the signer key authenticates the pool account that
// funds outgoing transfers.
type NodeClient struct {
	httpClient  *http.Client
	baseURL     string
	poolAddress string
	signerKey   string
	logger      *logger.Logger
}

// NewNodeClient validates configuration and builds the HTTP-backed gateway.
func NewNodeClient(ctx context.Context, cfg config.SettlementConfig, logg *logger.Logger) (*NodeClient, error) {
	if logg == nil {
		return nil, errLoggerRequired
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.NodeURL), "/")
	if baseURL == "" {
		return nil, errNodeURLRequired
	}
	signerKey := strings.TrimSpace(cfg.SignerKey)
	if signerKey == "" {
		return nil, errSignerKeyRequired
	}

	c := &NodeClient{
		httpClient:  &http.Client{Timeout: cfg.SubmitTimeout},
		baseURL:     baseURL,
		poolAddress: strings.TrimSpace(cfg.PoolAddress),
		signerKey:   signerKey,
		logger:      logg,
	}

	logg.Info(ctx, "settlement node client initialized")
	return c, nil
}

type transferPayload struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
	Memo        string `json:"memo,omitempty"`
}

type transferResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Transfer submits and confirms a transfer from the pool account. Outcomes:
// a 4xx before acceptance is a SubmissionError; timeouts, connection drops,
// and 5xx responses after the body was sent are AmbiguousError because the
// node may have executed the transfer anyway.
func (c *NodeClient) Transfer(ctx context.Context, req TransferRequest) (*TransferReceipt, error) {
	dest := strings.TrimSpace(req.Destination)
	if dest == "" {
		return nil, &SubmissionError{Reason: "destination address is empty"}
	}
	if req.AmountCents <= 0 {
		return nil, &SubmissionError{Reason: "amount must be positive"}
	}

	payload := transferPayload{
		Source:      c.poolAddress,
		Destination: dest,
		Amount:      types.CentsToDecimalString(req.AmountCents),
		Memo:        req.Memo,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &SubmissionError{Reason: "encode transfer payload", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return nil, &SubmissionError{Reason: "build transfer request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.signerKey)

	c.log(ctx, "request", "transfer", map[string]any{
		"destination": dest,
		"amount":      payload.Amount,
	})

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// The request may have reached the node before the failure.
		return nil, &AmbiguousError{Reason: "transfer round trip failed", Cause: err}
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var decoded transferResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return nil, &AmbiguousError{Reason: "decode transfer response", Cause: err}
		}
		if decoded.Reference == "" {
			return nil, &AmbiguousError{Reason: "node returned success without a reference"}
		}
		c.log(ctx, "response", "transfer", map[string]any{
			"reference": decoded.Reference,
			"status":    decoded.Status,
		})
		return &TransferReceipt{Reference: decoded.Reference}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var decoded transferResponse
		_ = json.NewDecoder(resp.Body).Decode(&decoded)
		reason := decoded.Error
		if reason == "" {
			reason = fmt.Sprintf("node rejected transfer (%d)", resp.StatusCode)
		}
		return nil, &SubmissionError{Reason: reason}
	default:
		return nil, &AmbiguousError{Reason: fmt.Sprintf("node returned %d after submission", resp.StatusCode)}
	}
}

type statusResponse struct {
	Status string `json:"status"`
}

// StatusByReference asks the node what it knows about a prior transfer.
func (c *NodeClient) StatusByReference(ctx context.Context, ref string) (TransferStatus, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return StatusUnknown, fmt.Errorf("settlement reference is required")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/transfers/"+ref, nil)
	if err != nil {
		return StatusUnknown, fmt.Errorf("build status request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.signerKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return StatusUnknown, fmt.Errorf("status round trip: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return StatusUnknown, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var decoded statusResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return StatusUnknown, fmt.Errorf("decode status response: %w", err)
		}
		switch strings.ToLower(decoded.Status) {
		case "confirmed", "finalized":
			return StatusConfirmed, nil
		case "pending", "processing":
			return StatusPending, nil
		default:
			return StatusUnknown, nil
		}
	default:
		return StatusUnknown, fmt.Errorf("node returned %d for status query", resp.StatusCode)
	}
}

func (c *NodeClient) log(ctx context.Context, phase, op string, fields map[string]any) {
	if c.logger == nil {
		return
	}
	merged := map[string]any{"settlement_op": op, "phase": phase}
	for k, v := range fields {
		merged[k] = v
	}
	c.logger.Info(c.logger.WithFields(ctx, merged), "settlement."+op)
}
