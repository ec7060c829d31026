package errorlog

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/require"

	"github.com/dynoinc/tokenguard/internal/aierrors"
)

func sampleAlert() Alert {
	return Alert{
		Rule: AlertRule{ID: "r1", Name: "Critical AI errors", Channels: []string{"slack"}, Enabled: true},
		Entry: Entry{
			ID:      "e1",
			Error:   aierrors.New(aierrors.CodeServer, aierrors.CategoryServer, aierrors.SeverityCritical, "The AI service is temporarily unavailable."),
			Context: Context{UserID: "u1", Component: "summary"},
		},
		Occurrences: 4,
	}
}

func TestSlackChannelPostsWebhook(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(b, &got))
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	ch := NewSlackChannel(srv.URL, srv.Client())
	require.Equal(t, "slack", ch.Name())
	require.NoError(t, ch.Send(context.Background(), sampleAlert()))
	require.Contains(t, got["text"], "Critical AI errors")
	require.Contains(t, got["text"], "server_error")
}

func TestSlackChannelReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	require.Error(t, NewSlackChannel(srv.URL, srv.Client()).Send(context.Background(), sampleAlert()))
}

func TestWebhookChannel(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusAccepted)
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(int(status.Load()))
	}))
	t.Cleanup(srv.Close)

	ch := NewWebhookChannel(srv.URL, srv.Client())
	require.NoError(t, ch.Send(context.Background(), sampleAlert()))
	require.Equal(t, "e1", got.Entry.ID)
	require.Equal(t, aierrors.CodeServer, got.Entry.Error.Code)
	require.Equal(t, 4, got.Occurrences)

	var perm *permanentError

	status.Store(http.StatusBadRequest)
	err := ch.Send(context.Background(), sampleAlert())
	require.Error(t, err)
	require.True(t, errors.As(err, &perm))

	status.Store(http.StatusBadGateway)
	err = ch.Send(context.Background(), sampleAlert())
	require.Error(t, err)
	require.False(t, errors.As(err, &perm))
}

func TestSentryChannelWithoutClientIsUndelivered(t *testing.T) {
	ch := NewSentryChannel(sentry.NewHub(nil, sentry.NewScope()))
	require.Equal(t, "sentry", ch.Name())
	require.ErrorIs(t, ch.Send(context.Background(), sampleAlert()), errEventDropped)
}

func TestLogChannel(t *testing.T) {
	require.NoError(t, LogChannel{}.Send(context.Background(), sampleAlert()))
}
