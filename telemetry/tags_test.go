package telemetry

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestTags(t *testing.T) {
	t.Run("tags flow from injection to retrieval", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/rows", nil)
		r = InjectTags(r)

		SetEndpoint(r, "rows")
		SetCacheResult(r, CacheHit)

		tags := GetTags(r)
		require.NotNil(t, tags)
		assert.Equal(t, "rows", tags.Endpoint)
		assert.Equal(t, CacheHit, tags.CacheResult)
	})

	t.Run("request without injection yields nil tags", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/rows", nil)
		assert.Nil(t, GetTags(r))

		// Setters are safe without tags.
		SetEndpoint(r, "rows")
		SetCacheResult(r, CacheMiss)
	})
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", StatusClass(200))
	assert.Equal(t, "4xx", StatusClass(404))
	assert.Equal(t, "5xx", StatusClass(500))
	assert.Equal(t, "unknown", StatusClass(42))
}
