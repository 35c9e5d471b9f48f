package database

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSeedData(t *testing.T) {
	data, err := LoadSeedData()
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), data.SeededAt.UTC())
	assert.Equal(t, []string{"Admin", "Customer", "Vendor"}, data.Roles)
	require.Len(t, data.Categories, 4)
	assert.Equal(t, uint(1), data.Categories[0].ID)
	require.Len(t, data.Products, 2)
}

func TestSeedProductToModel(t *testing.T) {
	data, err := LoadSeedData()
	require.NoError(t, err)

	filter, err := data.Products[0].ToModel(data.SeededAt)
	require.NoError(t, err)
	assert.Equal(t, "TOY-COR-OF-001", filter.SKU)
	assert.True(t, decimal.RequireFromString("45.99").Equal(filter.Price))
	assert.False(t, filter.OriginalPrice.Valid)
	assert.Equal(t, 100, filter.StockQuantity)
	assert.Equal(t, uint(1), filter.CategoryID)
	assert.True(t, filter.IsActive)

	pads, err := data.Products[1].ToModel(data.SeededAt)
	require.NoError(t, err)
	assert.Equal(t, "HON-CIV-BP-001", pads.SKU)
	assert.True(t, pads.OriginalPrice.Valid)
	assert.True(t, decimal.RequireFromString("99.99").Equal(pads.OriginalPrice.Decimal))
	assert.Equal(t, 50, pads.StockQuantity)
	assert.Equal(t, uint(2), pads.CategoryID)

	_, err = SeedProduct{SKU: "BAD", Price: "abc"}.ToModel(data.SeededAt)
	assert.Error(t, err)
}
