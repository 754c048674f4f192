package chainstatus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/envelop-relayer/settlement-core/internal/policy"
)

// wireTransition is the JSON shape of one transition in a status response.
type wireTransition struct {
	ProgramID    string            `json:"program_id"`
	FunctionName string            `json:"function_name"`
	Signer       string            `json:"signer"`
	Inputs       map[string]string `json:"inputs"`
}

// wireStatusResponse is the JSON shape returned by {endpoint}/transaction/{tx_id}
// (spec §6.2).
type wireStatusResponse struct {
	Status       string           `json:"status"`
	ProgramID    string           `json:"program_id"`
	FunctionName string           `json:"function_name"`
	Signer       string           `json:"signer"`
	Transitions  []wireTransition `json:"transitions"`
}

// HTTPEndpointClient queries a private-chain explorer/RPC over HTTP.
type HTTPEndpointClient struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPEndpointClient builds an HTTP-backed EndpointClient.
func NewHTTPEndpointClient(name, baseURL string) *HTTPEndpointClient {
	return &HTTPEndpointClient{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPEndpointClient) Name() string { return c.name }

// FetchStatus implements EndpointClient via GET {endpoint}/transaction/{tx_id}.
func (c *HTTPEndpointClient) FetchStatus(ctx context.Context, txID string) (string, policy.DecodedTx, error) {
	url := fmt.Sprintf("%s/transaction/%s", c.baseURL, txID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", policy.DecodedTx{}, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", policy.DecodedTx{}, fmt.Errorf("failed to reach %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", policy.DecodedTx{}, fmt.Errorf("%s returned status %d", c.name, resp.StatusCode)
	}

	var wire wireStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return "", policy.DecodedTx{}, fmt.Errorf("failed to decode response from %s: %w", c.name, err)
	}

	if resp.StatusCode == http.StatusNotFound && wire.Status == "" {
		return "not_found", policy.DecodedTx{}, nil
	}

	transitions := make([]policy.Transition, 0, len(wire.Transitions))
	for _, t := range wire.Transitions {
		transitions = append(transitions, policy.Transition{
			ProgramID:    t.ProgramID,
			FunctionName: t.FunctionName,
			Signer:       t.Signer,
			Inputs:       t.Inputs,
		})
	}

	decoded := policy.DecodedTx{
		ProgramID:     wire.ProgramID,
		FunctionName:  wire.FunctionName,
		SignerAddress: wire.Signer,
		Transitions:   transitions,
	}

	return wire.Status, decoded, nil
}
