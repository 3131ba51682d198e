package workerclient

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func listenerPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestStatusCoercesNonNumericActiveMatches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"activeMatches":"not-a-number","healthy":true}`))
	}))
	defer srv.Close()

	c := New(listenerPort(t, srv), time.Second, time.Second)
	status, err := c.Status(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, 0, status.ActiveMatches)
	require.True(t, status.Healthy)
}

func TestStatusServerErrorClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(listenerPort(t, srv), time.Second, time.Second)
	_, err := c.Status(context.Background(), "127.0.0.1")
	require.Error(t, err)

	var wErr *Error
	require.ErrorAs(t, err, &wErr)
	require.Equal(t, KindServerError, wErr.Kind)
}

func TestStartMatchBreakerTripsAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(listenerPort(t, srv), time.Second, time.Second)
	req := StartMatchRequest{MatchID: "m-1", GameMode: "VersusMen_Online"}

	var lastErr error
	for i := 0; i < 10; i++ {
		_, lastErr = c.StartMatch(context.Background(), "i-1", "127.0.0.1", req)
	}
	require.Error(t, lastErr)

	var wErr *Error
	require.ErrorAs(t, lastErr, &wErr)
	require.Equal(t, KindBreakerOpen, wErr.Kind)
}

func TestStartMatchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"serverPort":9000,"containerId":"c-1"}`))
	}))
	defer srv.Close()

	c := New(listenerPort(t, srv), time.Second, time.Second)
	resp, err := c.StartMatch(context.Background(), "i-2", "127.0.0.1", StartMatchRequest{MatchID: "m-2"})
	require.NoError(t, err)
	require.Equal(t, 9000, resp.ServerPort)
	require.Equal(t, "c-1", resp.ContainerID)
}
