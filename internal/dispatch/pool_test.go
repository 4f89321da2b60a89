package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPoolNormalizesURLs(t *testing.T) {
	p, err := NewPool([]string{
		"https://api.deepinfra.com/v1/openai/chat/completions",
		"https://mirror.example.com/v1/openai/",
		" http://127.0.0.1:9000 ",
	})
	require.NoError(t, err)
	require.Equal(t, 3, p.Len())

	eps := p.Endpoints()
	assert.Equal(t, "https://api.deepinfra.com/v1/openai/chat/completions", eps[0].URL)
	assert.Equal(t, "https://mirror.example.com/v1/openai/chat/completions", eps[1].URL)
	assert.Equal(t, "http://127.0.0.1:9000/chat/completions", eps[2].URL)

	for i, ep := range eps {
		assert.Equal(t, i, ep.Index)
	}
	assert.Equal(t, "api.deepinfra.com", eps[0].String())
}

func TestPoolEndpointsReturnsCopy(t *testing.T) {
	p, err := NewPool([]string{"https://a.example.com", "https://b.example.com"})
	require.NoError(t, err)

	eps := p.Endpoints()
	eps[0].URL = "mutated"
	assert.Equal(t, "https://a.example.com/chat/completions", p.Endpoints()[0].URL)
}

func TestNewPoolRejectsInvalid(t *testing.T) {
	_, err := NewPool(nil)
	assert.Error(t, err)

	_, err = NewPool([]string{"not a url"})
	assert.Error(t, err)

	_, err = NewPool([]string{"https://ok.example.com", "/relative"})
	assert.Error(t, err)
}
