package chainstatus

import (
	"context"
	"fmt"
	"sync"

	"github.com/envelop-relayer/settlement-core/internal/policy"
)

// MockEndpointClient is an in-memory EndpointClient for tests and for the
// "mock" chain-provider variant named in spec §9's design notes.
type MockEndpointClient struct {
	name string

	mu        sync.Mutex
	responses map[string]mockResponse
}

type mockResponse struct {
	rawState string
	decoded  policy.DecodedTx
	err      error
}

// NewMockEndpointClient builds an empty mock client.
func NewMockEndpointClient(name string) *MockEndpointClient {
	return &MockEndpointClient{name: name, responses: make(map[string]mockResponse)}
}

func (m *MockEndpointClient) Name() string { return m.name }

// SetResponse configures what FetchStatus returns for a given tx id.
func (m *MockEndpointClient) SetResponse(txID, rawState string, decoded policy.DecodedTx) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[txID] = mockResponse{rawState: rawState, decoded: decoded}
}

// SetError configures FetchStatus to fail for a given tx id.
func (m *MockEndpointClient) SetError(txID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[txID] = mockResponse{err: err}
}

func (m *MockEndpointClient) FetchStatus(_ context.Context, txID string) (string, policy.DecodedTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	resp, ok := m.responses[txID]
	if !ok {
		return "", policy.DecodedTx{}, fmt.Errorf("mock endpoint %s has no response configured for %s", m.name, txID)
	}
	if resp.err != nil {
		return "", policy.DecodedTx{}, resp.err
	}
	return resp.rawState, resp.decoded, nil
}
