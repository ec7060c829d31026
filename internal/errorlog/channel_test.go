package errorlog_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dynoinc/tokenguard/internal/aierrors"
	"github.com/dynoinc/tokenguard/internal/errorlog"
	"github.com/dynoinc/tokenguard/internal/errorlog/mocks"
)

func testAlert(channels ...string) errorlog.Alert {
	return errorlog.Alert{
		Rule: errorlog.AlertRule{ID: "r1", Name: "rule", Channels: channels, Enabled: true},
		Entry: errorlog.Entry{
			ID:    "e1",
			Error: aierrors.New(aierrors.CodeServer, aierrors.CategoryServer, aierrors.SeverityCritical, "down"),
		},
		Occurrences: 1,
	}
}

func newMockChannel(ctrl *gomock.Controller, name string) *mocks.MockChannel {
	ch := mocks.NewMockChannel(ctrl)
	ch.EXPECT().Name().Return(name).AnyTimes()
	return ch
}

func TestDispatchRetriesUntilDelivered(t *testing.T) {
	ctrl := gomock.NewController(t)
	slack := newMockChannel(ctrl, "slack")
	alert := testAlert("slack")

	gomock.InOrder(
		slack.EXPECT().Send(gomock.Any(), alert).Return(errors.New("timeout")),
		slack.EXPECT().Send(gomock.Any(), alert).Return(nil),
	)

	d := errorlog.NewDispatcher(errorlog.DispatchConfig{Attempts: 3}, nil, slack)
	deliveries := d.Dispatch(context.Background(), alert)

	require.Equal(t, []errorlog.Delivery{{Channel: "slack", Delivered: true, Attempts: 2}}, deliveries)
}

func TestDispatchGivesUpAfterAttempts(t *testing.T) {
	ctrl := gomock.NewController(t)
	webhook := newMockChannel(ctrl, "webhook")
	sendErr := errors.New("503")

	webhook.EXPECT().Send(gomock.Any(), gomock.Any()).Return(sendErr).Times(3)

	d := errorlog.NewDispatcher(errorlog.DispatchConfig{Attempts: 3}, nil, webhook)
	deliveries := d.Dispatch(context.Background(), testAlert("webhook"))

	require.Len(t, deliveries, 1)
	require.False(t, deliveries[0].Delivered)
	require.Equal(t, 3, deliveries[0].Attempts)
	require.ErrorIs(t, deliveries[0].Err, sendErr)
}

func TestDispatchStopsOnPermanentError(t *testing.T) {
	ctrl := gomock.NewController(t)
	webhook := newMockChannel(ctrl, "webhook")
	slack := newMockChannel(ctrl, "slack")

	webhook.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errorlog.Permanent(errors.New("400 Bad Request"))).Times(1)
	slack.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil).Times(1)

	d := errorlog.NewDispatcher(errorlog.DispatchConfig{Attempts: 5}, nil, webhook, slack)
	deliveries := d.Dispatch(context.Background(), testAlert("webhook", "email", "slack"))

	require.Len(t, deliveries, 3)
	require.Equal(t, "webhook", deliveries[0].Channel)
	require.False(t, deliveries[0].Delivered)
	require.Equal(t, 1, deliveries[0].Attempts)

	require.Equal(t, "email", deliveries[1].Channel)
	require.Zero(t, deliveries[1].Attempts)
	require.ErrorIs(t, deliveries[1].Err, errorlog.ErrUnknownChannel)

	require.True(t, deliveries[2].Delivered)
}

func TestDispatchHonorsCancellationDuringBackoff(t *testing.T) {
	ctrl := gomock.NewController(t)
	slack := newMockChannel(ctrl, "slack")

	ctx, cancel := context.WithCancel(context.Background())
	slack.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, errorlog.Alert) error {
		cancel()
		return errors.New("timeout")
	}).Times(1)

	d := errorlog.NewDispatcher(errorlog.DispatchConfig{Attempts: 3, Backoff: time.Hour}, nil, slack)
	deliveries := d.Dispatch(ctx, testAlert("slack"))

	require.Len(t, deliveries, 1)
	require.False(t, deliveries[0].Delivered)
	require.Equal(t, 1, deliveries[0].Attempts)
	require.ErrorIs(t, deliveries[0].Err, context.Canceled)
}

func TestDispatchBoundsEachChannel(t *testing.T) {
	ctrl := gomock.NewController(t)
	slack := newMockChannel(ctrl, "slack")
	webhook := newMockChannel(ctrl, "webhook")
	alert := testAlert("slack", "webhook")

	slack.EXPECT().Send(gomock.Any(), alert).DoAndReturn(func(ctx context.Context, _ errorlog.Alert) error {
		<-ctx.Done()
		return ctx.Err()
	}).Times(1)
	webhook.EXPECT().Send(gomock.Any(), alert).Return(nil)

	d := errorlog.NewDispatcher(errorlog.DispatchConfig{Attempts: 3, Timeout: 50 * time.Millisecond}, nil, slack, webhook)
	start := time.Now()
	deliveries := d.Dispatch(context.Background(), alert)

	require.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, deliveries, 2)
	require.False(t, deliveries[0].Delivered)
	require.Equal(t, 1, deliveries[0].Attempts)
	require.ErrorIs(t, deliveries[0].Err, context.DeadlineExceeded)
	require.True(t, deliveries[1].Delivered)
}
