package cachemgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddGetList(t *testing.T) {
	r := NewRegistry()
	r.Add(Registration{Profile: Profile{Name: "zeta", Description: "z"}})
	r.Add(Registration{Profile: Profile{Name: "alpha", Description: "a"}})

	_, ok := r.Get("missing")
	assert.False(t, ok)

	got, ok := r.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, "a", got.Profile.Description)

	names := []string{}
	for _, p := range r.List() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"alpha", "zeta"}, names, "List must be sorted by name")
}

func TestFormatRenderParseRoundTripInformal(t *testing.T) {
	p := Params{"client_http_requests": 12.0, "client_http_hits": 7.0}
	body, err := FormatInformal.Render(p)
	require.NoError(t, err)

	back, err := FormatInformal.Parse(body)
	require.NoError(t, err)
	assert.Equal(t, p["client_http_requests"], back["client_http_requests"])
	assert.Equal(t, p["client_http_hits"], back["client_http_hits"])
}

func TestFormatRenderParseRoundTripYAML(t *testing.T) {
	p := Params{"name": "squid", "count": 3.0}
	body, err := FormatYAML.Render(p)
	require.NoError(t, err)

	back, err := FormatYAML.Parse(body)
	require.NoError(t, err)
	assert.Equal(t, "squid", back["name"])
	assert.Equal(t, 3.0, back["count"])
}

func TestFormatRenderParseRoundTripPrometheus(t *testing.T) {
	p := Params{"text": "squidcore_counters{name=\"x\"} 1\n"}
	body, err := FormatPrometheus.Render(p)
	require.NoError(t, err)
	assert.Equal(t, p["text"], body)

	back, err := FormatPrometheus.Parse(body)
	require.NoError(t, err)
	assert.Equal(t, body, back["text"])
}

func TestSumParamsElementWise(t *testing.T) {
	acc := sumParams(nil, Params{"a": 1.0, "b": 2.0})
	acc = sumParams(acc, Params{"a": 3.0, "c": 5.0})
	assert.Equal(t, 4.0, acc["a"])
	assert.Equal(t, 2.0, acc["b"])
	assert.Equal(t, 5.0, acc["c"])
}
