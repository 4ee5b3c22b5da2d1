package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetcher_Fetch_ExtractsNestedValueAndTimestamp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"prices":[{"usd":101.5}]},"updated":1700000000}`))
	}))
	defer srv.Close()

	f := NewFetcher(time.Second)
	sample, err := f.Fetch(context.Background(), srv.URL, "data.prices.0.usd", "updated")

	require.NoError(t, err)
	assert.Equal(t, 101.5, sample.Value)
	assert.Equal(t, uint64(1700000000), sample.SourceTimestamp)
}

func TestFetcher_Fetch_DefaultsTimestampToNow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"price": 42}`))
	}))
	defer srv.Close()

	before := uint64(time.Now().Unix())
	f := NewFetcher(time.Second)
	sample, err := f.Fetch(context.Background(), srv.URL, "price", "")

	require.NoError(t, err)
	assert.Equal(t, float64(42), sample.Value)
	assert.GreaterOrEqual(t, sample.SourceTimestamp, before)
}

func TestFetcher_Fetch_NonOKStatusIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewFetcher(time.Second)
	_, err := f.Fetch(context.Background(), srv.URL, "price", "")

	require.Error(t, err)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, CategoryStatus, fe.Category)
	assert.Equal(t, http.StatusInternalServerError, fe.StatusCode)
}

func TestFetcher_Fetch_MissingPathIsParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"other": 1}`))
	}))
	defer srv.Close()

	f := NewFetcher(time.Second)
	_, err := f.Fetch(context.Background(), srv.URL, "missing.path", "")

	require.Error(t, err)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, CategoryParse, fe.Category)
}

func TestFetcher_Fetch_TransportErrorIsNetworkError(t *testing.T) {
	f := NewFetcher(50 * time.Millisecond)
	_, err := f.Fetch(context.Background(), "http://127.0.0.1:1", "price", "")

	require.Error(t, err)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, CategoryNetwork, fe.Category)
}

func TestToJSONPath_TranslatesArrayIndices(t *testing.T) {
	expr, err := toJSONPath("a.0.b")
	require.NoError(t, err)
	assert.Equal(t, "$['a'][0]['b']", expr)
}

func TestToJSONPath_RejectsEmptyComponent(t *testing.T) {
	_, err := toJSONPath("a..b")
	assert.Error(t, err)
}
