package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broker-core/pkg/config"
	"broker-core/pkg/exchanges/common"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Instruments.CacheDir = t.TempDir()
	return &cfg
}

func TestNewUnauthenticatedDhan(t *testing.T) {
	b, err := New(testConfig(t), Options{})
	require.NoError(t, err)

	assert.Equal(t, "dhan", b.Name())
	assert.False(t, b.Authenticated())
	assert.Nil(t, b.StreamDialer())
	assert.True(t, b.Capabilities().Supports(common.CapGTT))
	assert.Equal(t, "unauthenticated", b.PlaceOrder(context.Background(), common.OrderRequest{}).Message)
	require.NotNil(t, b.Resolver)
	assert.Contains(t, b.Resolver.CachePath(), "dhan_master_contract.csv")
}

func TestNewAuthenticatedDhan(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dhan.ClientID = "1000000132"
	cfg.Dhan.AccessToken = "token"

	b, err := New(cfg, Options{})
	require.NoError(t, err)
	assert.True(t, b.Authenticated())
	assert.NotNil(t, b.StreamDialer())
}

func TestNewUnknownBroker(t *testing.T) {
	cfg := testConfig(t)
	cfg.Broker = "zerodha"
	_, err := New(cfg, Options{})
	assert.ErrorContains(t, err, "unsupported broker")
}

func TestRateLimitsFromConfig(t *testing.T) {
	limits := rateLimits(config.RateLimitConfig{Orders: 10, Data: 5, Quotes: 1, NonTrading: 20})
	assert.Equal(t, 10.0, limits[common.ClassOrder])
	assert.Equal(t, 1.0, limits[common.ClassQuote])
}
