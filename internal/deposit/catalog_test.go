package deposit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depositflow/internal/common/money"
)

const catalogYAML = `
assets:
  - code: SOL
    precision: 6
    fiat: false
    source_id: solana
methods:
  - id: sol
    name: Solana
    asset: SOL
    network: solana
    fiat_currency: USD
    deposit_address: So1addr
    min_amount: "5"
    max_amount: "2500.50"
    enabled: true
  - id: usdt-erc20
    name: Tether (ERC20)
    asset: USDT
    network: ethereum
    fiat_currency: USD
    deposit_address: 0xabc
    min_amount: "20"
    enabled: false
bonus_tiers:
  - id: gold
    name: Gold
    percentage: "100"
    min_amount: "500"
    max_bonus: "250"
  - id: bronze
    name: Bronze
    percentage: "25"
    min_amount: "87.92"
    max_bonus: "21.98"
`

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)

	info, ok := money.Lookup("SOL")
	require.True(t, ok)
	assert.Equal(t, int32(6), info.Precision)

	m, err := c.Method("sol")
	require.NoError(t, err)
	assert.Equal(t, "So1addr", m.DepositAddress)
	assert.True(t, m.MaxAmount.Equal(dec("2500.50")))
	assert.True(t, m.InRange(dec("2500.50")))
	assert.False(t, m.InRange(dec("2500.51")))

	_, err = c.Method("usdt-erc20")
	assert.ErrorIs(t, err, ErrMethodDisabled)
	_, err = c.Method("missing")
	assert.ErrorIs(t, err, ErrMethodNotFound)

	enabled := c.EnabledMethods()
	require.Len(t, enabled, 1)
	assert.Equal(t, "sol", enabled[0].ID)

	tiers := c.Tiers()
	require.Len(t, tiers, 2)
	assert.Equal(t, "bronze", tiers[0].ID)
	assert.Equal(t, "gold", tiers[1].ID)
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no methods", "methods: []\n"},
		{"unknown asset", `
methods:
  - {id: x, name: X, asset: DOGE, fiat_currency: USD, deposit_address: a, enabled: true}
`},
		{"max below min", `
methods:
  - {id: x, name: X, asset: BTC, fiat_currency: USD, deposit_address: a, min_amount: "10", max_amount: "5", enabled: true}
`},
		{"duplicate method", `
methods:
  - {id: x, name: X, asset: BTC, fiat_currency: USD, deposit_address: a}
  - {id: x, name: Y, asset: ETH, fiat_currency: USD, deposit_address: b}
`},
		{"missing address", `
methods:
  - {id: x, name: X, asset: BTC, fiat_currency: USD}
`},
		{"duplicate tier threshold", `
methods:
  - {id: x, name: X, asset: BTC, fiat_currency: USD, deposit_address: a}
bonus_tiers:
  - {id: a, name: A, percentage: "10", min_amount: "100"}
  - {id: b, name: B, percentage: "20", min_amount: "100"}
`},
		{"malformed", "methods: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Len(t, c.Methods, 2)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
