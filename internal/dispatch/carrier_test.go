package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	require.False(t, IsTerminal(Retryable("busy")))
	require.True(t, IsTerminal(Terminal("bad address")))

	// wrapped errors keep their classification
	wrapped := fmt.Errorf("attempt: %w", Terminal("rejected"))
	require.True(t, IsTerminal(wrapped))

	// unclassified errors default to retryable
	require.False(t, IsTerminal(errors.New("connection reset")))
	require.False(t, IsTerminal(context.DeadlineExceeded))
}

func TestCarrierFunc(t *testing.T) {
	var got string
	c := CarrierFunc(func(ctx context.Context, recipient string, payload []byte) error {
		got = recipient
		return nil
	})
	require.NoError(t, c.Send(context.Background(), "+15550200", []byte("x")))
	require.Equal(t, "+15550200", got)
}

func TestWebhookCarrierDelivers(t *testing.T) {
	var gotRecipient atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRecipient.Store(r.Header.Get("X-Courier-Recipient"))
		body, _ := io.ReadAll(r.Body)
		if string(body) != "payload" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewWebhookCarrier(srv.URL)
	err := c.Send(context.Background(), "+15550201", []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, "+15550201", gotRecipient.Load())
}

func TestWebhookCarrierStatusMapping(t *testing.T) {
	cases := []struct {
		status   int
		terminal bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusNotFound, true},
		{http.StatusGone, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			err := NewWebhookCarrier(srv.URL).Send(context.Background(), "+1", []byte("x"))
			require.Error(t, err)
			require.Equal(t, tc.terminal, IsTerminal(err))
		})
	}
}

func TestWebhookCarrierTransportErrorRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	err := NewWebhookCarrier(srv.URL).Send(context.Background(), "+1", []byte("x"))
	require.Error(t, err)
	require.False(t, IsTerminal(err))
}
