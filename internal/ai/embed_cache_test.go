package ai

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCachedQueryEmbedderKey(t *testing.T) {
	c := NewCachedQueryEmbedder(nil, nil, "text-embedding-004", 0)
	prefix := strings.Repeat("quarterly figures by region ", 7)

	assert.NotEqual(t, c.key(prefix+"revenue growth in emea"), c.key(prefix+"customer churn in apac"),
		"queries sharing a long prefix need their own vectors")
	assert.NotEqual(t, c.key("US exports"), c.key("us exports"))
	assert.Equal(t, c.key("US exports"), c.key("US exports"))
	assert.True(t, strings.HasPrefix(c.key("x"), "qemb:text-embedding-004:"))

	other := NewCachedQueryEmbedder(nil, nil, "gemini-embedding-001", 0)
	assert.NotEqual(t, c.key("US exports"), other.key("US exports"))
}
