package http

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/x402-commerce/internal/config"
)

func TestFacilitatorsFromConfig(t *testing.T) {
	clients, err := FacilitatorsFromConfig(config.FacilitatorConfig{
		Backends: []string{config.BackendCDP, config.BackendHTTP},
		URL:      "https://facilitator.example.com",
		Token:    "secret",
		CDP:      config.CDPConfig{KeyID: "key", KeySecret: "c2VjcmV0"},
	})
	require.NoError(t, err)
	require.Len(t, clients, 2)
	assert.Equal(t, "cdp", clients[0].Identifier())
	assert.Equal(t, "https://facilitator.example.com", clients[1].Identifier())
}

func TestFacilitatorsFromConfigErrors(t *testing.T) {
	_, err := FacilitatorsFromConfig(config.FacilitatorConfig{Backends: []string{config.BackendCDP}})
	assert.Error(t, err, "cdp without credentials")

	_, err = FacilitatorsFromConfig(config.FacilitatorConfig{Backends: []string{"carrier-pigeon"}})
	assert.Error(t, err)

	_, err = FacilitatorsFromConfig(config.FacilitatorConfig{})
	assert.Error(t, err)
}
