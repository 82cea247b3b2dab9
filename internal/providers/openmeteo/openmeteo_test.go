package openmeteo

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coffeeportal/internal/model"
)

var testProvince = model.Province{Name: "DakLak", Latitude: 12.6663, Longitude: 108.0383}

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	provider, err := NewWithConfig(Config{
		BaseURL:         "https://archive.test/v1/archive",
		RateLimitPerSec: 1000,
		RateLimitBurst:  1000,
		MaxRetries:      1,
	})
	require.NoError(t, err)

	httpmock.ActivateNonDefault(provider.client)
	t.Cleanup(httpmock.DeactivateAndReset)
	return provider
}

func utc(year int, month time.Month, dayNum int) time.Time {
	return time.Date(year, month, dayNum, 0, 0, 0, 0, time.UTC)
}

func TestFetchDailyRange(t *testing.T) {
	provider := newTestProvider(t)
	httpmock.RegisterResponder(http.MethodGet, "https://archive.test/v1/archive",
		func(req *http.Request) (*http.Response, error) {
			query := req.URL.Query()
			assert.Equal(t, "12.6663", query.Get("latitude"))
			assert.Equal(t, "108.0383", query.Get("longitude"))
			assert.Equal(t, "2020-01-01", query.Get("start_date"))
			assert.Equal(t, "2020-01-03", query.Get("end_date"))
			assert.Equal(t, "Asia/Bangkok", query.Get("timezone"))
			assert.Contains(t, query.Get("daily"), "temperature_2m_mean")

			return httpmock.NewStringResponse(http.StatusOK, `{
				"daily": {
					"time": ["2020-01-01", "2020-01-02", "2020-01-03"],
					"temperature_2m_mean": [22.1, null, 23.5],
					"temperature_2m_max": [28.0, 27.5, 29.1],
					"temperature_2m_min": [17.2, 16.8, 18.0],
					"precipitation_sum": [0.0, 4.2, null],
					"relative_humidity_2m_mean": [78, 82, 80]
				}
			}`), nil
		})

	rows, err := provider.FetchDailyRange(context.Background(), testProvince,
		utc(2020, time.January, 1), utc(2020, time.January, 3))
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "DakLak", rows[0].Province)
	assert.Equal(t, utc(2020, time.January, 1), rows[0].Date)
	assert.Equal(t, 22.1, *rows[0].TemperatureMean)

	assert.Nil(t, rows[1].TemperatureMean)
	assert.Equal(t, 4.2, *rows[1].PrecipitationSum)
	assert.Nil(t, rows[2].PrecipitationSum)
}

func TestFetchDailyRangeEmptyArchive(t *testing.T) {
	provider := newTestProvider(t)
	httpmock.RegisterResponder(http.MethodGet, "https://archive.test/v1/archive",
		httpmock.NewStringResponder(http.StatusOK, `{"daily": {"time": []}}`))

	_, err := provider.FetchDailyRange(context.Background(), testProvince,
		utc(2020, time.January, 1), utc(2020, time.January, 3))
	assert.ErrorIs(t, err, ErrNoData)
}

func TestFetchDailyRangeAPIError(t *testing.T) {
	provider := newTestProvider(t)
	httpmock.RegisterResponder(http.MethodGet, "https://archive.test/v1/archive",
		httpmock.NewStringResponder(http.StatusOK, `{"error": true, "reason": "Out of range"}`))

	_, err := provider.FetchDailyRange(context.Background(), testProvince,
		utc(2020, time.January, 1), utc(2020, time.January, 3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Out of range")
}

func TestFetchDailyRangeRetriesOn429(t *testing.T) {
	provider := newTestProvider(t)
	calls := 0
	httpmock.RegisterResponder(http.MethodGet, "https://archive.test/v1/archive",
		func(req *http.Request) (*http.Response, error) {
			calls++
			if calls == 1 {
				resp := httpmock.NewStringResponse(http.StatusTooManyRequests, "slow down")
				resp.Header.Set("Retry-After", "0")
				return resp, nil
			}
			return httpmock.NewStringResponse(http.StatusOK, `{
				"daily": {"time": ["2020-01-01"], "temperature_2m_mean": [22.0]}
			}`), nil
		})

	rows, err := provider.FetchDailyRange(context.Background(), testProvince,
		utc(2020, time.January, 1), utc(2020, time.January, 1))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, 2, calls)
}

func TestFetchDailyRangeInvertedRange(t *testing.T) {
	provider := newTestProvider(t)
	_, err := provider.FetchDailyRange(context.Background(), testProvince,
		utc(2020, time.January, 3), utc(2020, time.January, 1))
	require.Error(t, err)
}

func TestParseDailyBadJSON(t *testing.T) {
	_, err := parseDaily([]byte("not json"), "DakLak")
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestParseDailyBadTimestamp(t *testing.T) {
	_, err := parseDaily([]byte(`{"daily": {"time": ["01/01/2020"]}}`), "DakLak")
	assert.ErrorIs(t, err, ErrBadResponse)
}
