package pointio

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testPoint(t *testing.T, kind Kind, pin int) Point {
	t.Helper()
	p, err := NewPoint(kind, "1", "probe", pin)
	require.NoError(t, err)
	return p
}

func TestHTTPClientRead(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.Equal(t, http.MethodGet, r.Method)
		json.NewEncoder(w).Encode(map[string]interface{}{"value": 1, "circuit": "1_01"})
	}))
	defer srv.Close()

	client, err := NewHTTPClient(srv.URL)
	require.NoError(t, err)
	defer client.Close()

	value, err := client.Read(context.Background(), testPoint(t, DigitalIn, 1))
	require.NoError(t, err)
	require.Equal(t, 1.0, value)
	require.Equal(t, "/di/1_01", gotPath)
}

func TestHTTPClientReadAnalogPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ai/1_12", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]float64{"value": 21.5})
	}))
	defer srv.Close()

	client, err := NewHTTPClient(srv.URL)
	require.NoError(t, err)
	defer client.Close()

	value, err := client.Read(context.Background(), testPoint(t, AnalogIn, 12))
	require.NoError(t, err)
	require.Equal(t, 21.5, value)
}

func TestHTTPClientReadFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "error status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, "not json")
			},
		},
		{
			name: "missing value",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]string{"circuit": "1_01"})
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			client, err := NewHTTPClient(srv.URL)
			require.NoError(t, err)
			defer client.Close()

			_, err = client.Read(context.Background(), testPoint(t, DigitalIn, 1))
			require.Error(t, err)
			require.True(t, IsCommError(err), "expected communication error, got %v", err)
		})
	}
}

func TestHTTPClientReadTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	client, err := NewHTTPClient(srv.URL)
	require.NoError(t, err)
	defer client.Close()

	p := testPoint(t, DigitalIn, 1)
	p.Timeout = 20 * time.Millisecond

	start := time.Now()
	_, err = client.Read(context.Background(), p)
	require.Error(t, err)
	require.True(t, IsCommError(err))
	require.Less(t, time.Since(start), time.Second)
}

func TestHTTPClientWrite(t *testing.T) {
	var gotPath string
	var gotBody map[string]float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(srv.URL)
	require.NoError(t, err)
	defer client.Close()

	err = client.Write(context.Background(), testPoint(t, DigitalOut, 2), 1)
	require.NoError(t, err)
	require.Equal(t, "/ro/1_02", gotPath)
	require.Equal(t, map[string]float64{"value": 1}, gotBody)
}

func TestHTTPClientWriteErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(srv.URL)
	require.NoError(t, err)
	defer client.Close()

	err = client.Write(context.Background(), testPoint(t, AnalogOut, 1), 4.2)
	require.Error(t, err)
	require.True(t, IsCommError(err))
}

func TestNewHTTPClientValidation(t *testing.T) {
	_, err := NewHTTPClient("")
	require.Error(t, err)

	_, err = NewHTTPClient("ftp://example.com")
	require.Error(t, err)

	client, err := NewHTTPClient("http://127.0.0.1:8080/")
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:8080/di/1_01", client.pointURL(testPoint(t, DigitalIn, 1)))
}
