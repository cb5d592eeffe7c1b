package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinitune/infinitune/internal/model"
	"github.com/infinitune/infinitune/internal/queue"
)

func TestQueueStatusSnapshot(t *testing.T) {
	ts := newTestServer(t)

	var status struct {
		Text  queue.Status      `json:"text"`
		Image queue.Status      `json:"image"`
		Audio queue.AudioStatus `json:"audio"`
	}
	resp := ts.do(t, http.MethodGet, "/api/v1/queue", nil, &status)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "text", status.Text.Endpoint)
	assert.Equal(t, 2, status.Text.MaxConcurrency)
	assert.Zero(t, status.Text.Pending)
	assert.Equal(t, "image", status.Image.Endpoint)
	assert.Empty(t, status.Audio.Waiting)
	assert.Nil(t, status.Audio.Current)
}

func TestSettingsRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	var listing struct {
		Settings map[string]string `json:"settings"`
	}
	resp := ts.do(t, http.MethodGet, "/api/v1/settings", nil, &listing)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, listing.Settings)

	resp = ts.do(t, http.MethodPut, "/api/v1/settings/"+model.SettingTextProvider,
		map[string]any{"value": "openrouter"}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/v1/settings", nil, &listing)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "openrouter", listing.Settings[model.SettingTextProvider])
}

func TestSettingsMaskSecrets(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPut, "/api/v1/settings/"+model.SettingOpenRouterAPIKey,
		map[string]any{"value": "sk-or-secret"}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	var listing struct {
		Settings map[string]string `json:"settings"`
	}
	resp = ts.do(t, http.MethodGet, "/api/v1/settings", nil, &listing)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "********", listing.Settings[model.SettingOpenRouterAPIKey])

	// The stored value is untouched, only the listing is masked.
	val, err := ts.store.GetSetting(context.Background(), model.SettingOpenRouterAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "sk-or-secret", val)
}

func TestConcurrencySettingsApplyImmediately(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPut, "/api/v1/settings/"+model.SettingTextConcurrency,
		map[string]any{"value": "4"}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 4, ts.textQ.Status().MaxConcurrency)

	resp = ts.do(t, http.MethodPut, "/api/v1/settings/"+model.SettingImageConcurrency,
		map[string]any{"value": "1"}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 1, ts.imageQ.Status().MaxConcurrency)

	for _, bad := range []string{"zero", "0", "-3", ""} {
		resp = ts.do(t, http.MethodPut, "/api/v1/settings/"+model.SettingTextConcurrency,
			map[string]any{"value": bad}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "value %q", bad)
	}
	assert.Equal(t, 4, ts.textQ.Status().MaxConcurrency, "rejected values must not apply")
}
