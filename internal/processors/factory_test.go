package processors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryForConfig(t *testing.T) {
	f := NewFactory(5*time.Second, 0)

	p, err := f.ForConfig("stripe", map[string]string{"api_key": "sk_test_abc"})
	require.NoError(t, err)
	assert.Equal(t, "stripe", p.Name())

	p, err = f.ForConfig("mock", nil)
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Name())

	_, err = f.ForConfig("stripe", nil)
	assert.Error(t, err, "stripe without an api_key is a config error")

	_, err = f.ForConfig("adyen", nil)
	assert.Error(t, err, "unknown processors are rejected")
}
