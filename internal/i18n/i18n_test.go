package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslate(t *testing.T) {
	require.NoError(t, Initialize("en"))

	assert.Equal(t, "Order created", T("en", KeyOrderCreated))
	assert.Equal(t, "订单已创建", T("zh_CN", KeyOrderCreated))
	assert.Equal(t, "Invalid product id", T("en", KeyInvalidID, "product"))

	// unknown language falls back to the default catalog
	assert.Equal(t, "Order created", T("fr", KeyOrderCreated))

	// unknown key comes back unchanged
	assert.Equal(t, "no.such.key", T("en", "no.such.key"))
}
