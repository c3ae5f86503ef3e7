package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/market-engine/ledger"
)

func TestWebhook_Deliver(t *testing.T) {
	var got DeliveryRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, time.Second)
	require.NoError(t, wh.Deliver(context.Background(), "file-1", "buyer", "Your purchase: Book"))

	assert.Equal(t, "deliver", got.Type)
	assert.Equal(t, "file-1", got.PayloadRef)
	assert.Equal(t, ledger.AccountID("buyer"), got.Recipient)
}

func TestWebhook_Non2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, time.Second).Notify(context.Background(), "seller", "sold!")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhook_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	err := NewWebhook(srv.URL, 50*time.Millisecond).Deliver(context.Background(), "f", "b", "c")
	assert.Error(t, err)
}

type recordingPublisher struct {
	topics []string
	keys   []string
	events []any
	err    error
}

func (p *recordingPublisher) PublishEvent(_ context.Context, topic, key string, event any) error {
	p.topics = append(p.topics, topic)
	p.keys = append(p.keys, key)
	p.events = append(p.events, event)
	return p.err
}

func TestEventAdapters(t *testing.T) {
	pub := &recordingPublisher{}
	ctx := context.Background()

	require.NoError(t, NewEventNotifier(pub, "notifications").Notify(ctx, "seller", "sold"))
	require.NoError(t, NewAffiliateEvents(pub, "affiliates").LogSale(ctx, "aff", "Book", ledger.MustParseAmount("10")))

	assert.Equal(t, []string{"notifications", "affiliates"}, pub.topics)
	assert.Equal(t, []string{"seller", "aff"}, pub.keys)

	sale, ok := pub.events[1].(AffiliateSaleEvent)
	require.True(t, ok)
	assert.Equal(t, "10.00", sale.Price.String())
}

func TestNotifiers_JoinsErrors(t *testing.T) {
	ok := &recordingPublisher{}
	broken := &recordingPublisher{err: errors.New("broker down")}

	ns := Notifiers{NewEventNotifier(ok, "a"), NewEventNotifier(broken, "b"), NewLog(nil)}
	err := ns.Notify(context.Background(), "acc", "hello")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Len(t, ok.events, 1, "a failing notifier does not stop the others")
}
