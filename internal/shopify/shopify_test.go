package shopify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chatpop/internal/db/dbtest"
	"chatpop/internal/resilience"
	"chatpop/internal/security"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(srv *httptest.Server, b *resilience.Breakers) *Client {
	return NewClient(ClientOptions{
		Breakers: b,
		BaseURL:  func(string) string { return srv.URL },
		Timeout:  5 * time.Second,
	})
}

func TestParseNextLink(t *testing.T) {
	h := `<https://s.myshopify.com/admin/api/2026-01/orders.json?limit=250&page_info=prev>; rel="previous", ` +
		`<https://s.myshopify.com/admin/api/2026-01/orders.json?limit=250&page_info=abc>; rel="next"`
	u, ok := parseNextLink(h)
	require.True(t, ok)
	assert.Equal(t, "https://s.myshopify.com/admin/api/2026-01/orders.json?limit=250&page_info=abc", u)

	_, ok = parseNextLink(`<https://x/orders.json?page_info=prev>; rel="previous"`)
	assert.False(t, ok)
	_, ok = parseNextLink("")
	assert.False(t, ok)
}

func TestListOrdersFollowsLinkHeader(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.Header.Get("X-Shopify-Access-Token"))
		assert.Equal(t, "/admin/api/2026-01/orders.json", r.URL.Path)
		switch r.URL.Query().Get("page_info") {
		case "":
			assert.Equal(t, "any", r.URL.Query().Get("status"))
			assert.Equal(t, "250", r.URL.Query().Get("limit"))
			w.Header().Set("Link", fmt.Sprintf(`<%s/admin/api/2026-01/orders.json?limit=250&page_info=p2>; rel="next"`, srv.URL))
			_, _ = io.WriteString(w, `{"orders":[{"id":1,"total_price":"10.00"},{"id":2,"total_price":"5.50"}]}`)
		case "p2":
			_, _ = io.WriteString(w, `{"orders":[{"id":3,"total_price":"1.00","customer":{"id":9}}]}`)
		default:
			http.Error(w, "unexpected page", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	var ids []int64
	pages := 0
	err := testClient(srv, nil).ListOrders(context.Background(), "s.myshopify.com", "tok", OrderQuery{}, func(orders []Order) error {
		pages++
		for _, o := range orders {
			ids = append(ids, o.ID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, pages)
	assert.Equal(t, []int64{1, 2, 3}, ids)
}

func TestBreakerOpensOnRepeated5xx(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := resilience.NewBreakers(resilience.BreakerOptions{FailureThreshold: 2, ResetTimeout: time.Hour})
	c := testClient(srv, b)
	noop := func([]Customer) error { return nil }

	var he *HTTPError
	err := c.ListCustomers(context.Background(), "s.myshopify.com", "tok", noop)
	require.ErrorAs(t, err, &he)
	assert.Equal(t, 503, he.Status)
	_ = c.ListCustomers(context.Background(), "s.myshopify.com", "tok", noop)

	err = c.ListCustomers(context.Background(), "s.myshopify.com", "tok", noop)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))

	// other shops have their own circuit
	state, _ := b.State("shopify:other.myshopify.com")
	assert.Equal(t, resilience.StateClosed, state)
}

func TestNotFoundDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	b := resilience.NewBreakers(resilience.BreakerOptions{FailureThreshold: 1})
	c := testClient(srv, b)
	_, err := c.GetShop(context.Background(), "s.myshopify.com", "tok")
	require.Error(t, err)

	state, failures := b.State("shopify:s.myshopify.com")
	assert.Equal(t, resilience.StateClosed, state)
	assert.Zero(t, failures)
}

func TestRegisterWebhooks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Variables struct {
				Topic               string         `json:"topic"`
				WebhookSubscription map[string]any `json:"webhookSubscription"`
			} `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://hooks.test/webhooks/shopify", body.Variables.WebhookSubscription["uri"])
		if body.Variables.Topic == "APP_UNINSTALLED" {
			_, _ = io.WriteString(w, `{"data":{"webhookSubscriptionCreate":{"webhookSubscription":null,"userErrors":[{"field":["uri"],"message":"Address for this topic has already been taken"}]}}}`)
			return
		}
		_, _ = io.WriteString(w, `{"data":{"webhookSubscriptionCreate":{"webhookSubscription":{"id":"gid://shopify/WebhookSubscription/1"},"userErrors":[]}}}`)
	}))
	defer srv.Close()

	topics := append(append([]string{}, WebhookTopics...), "bogus/topic")
	created, failed := testClient(srv, nil).RegisterWebhooks(context.Background(), "s.myshopify.com", "tok", "https://hooks.test/webhooks/shopify", topics)
	assert.Equal(t, []string{TopicOrdersCreate, TopicCheckoutsUpdate}, created)
	assert.Contains(t, failed[TopicAppUninstalled], "already been taken")
	assert.Equal(t, "unsupported topic", failed["bogus/topic"])
}

func TestExchangeToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/admin/oauth/access_token", r.URL.Path)
		_, _ = io.WriteString(w, `{"access_token":"shpat_1","scope":"read_orders"}`)
	}))
	defer srv.Close()

	tok, err := testClient(srv, nil).ExchangeToken(context.Background(), "s.myshopify.com", "key", "secret", "code")
	require.NoError(t, err)
	assert.Equal(t, "shpat_1", tok.AccessToken)
}

func TestVerifyWebhook(t *testing.T) {
	body := []byte(`{"id":1}`)
	sig := Sign(body, "secret")

	assert.NoError(t, VerifyWebhook(body, sig, "secret"))
	assert.ErrorIs(t, VerifyWebhook(body, sig, "other"), ErrInvalidSignature)
	assert.ErrorIs(t, VerifyWebhook([]byte(`{"id":2}`), sig, "secret"), ErrInvalidSignature)
	assert.ErrorIs(t, VerifyWebhook(body, "", "secret"), ErrInvalidSignature)
	assert.ErrorIs(t, VerifyWebhook(body, "%%%", "secret"), ErrInvalidSignature)
}

func TestVerifyOAuthQuery(t *testing.T) {
	params := map[string]string{"shop": "s.myshopify.com", "code": "c", "state": "st", "timestamp": "1700000000"}
	mac := hmac.New(sha256.New, []byte("secret"))
	_, _ = mac.Write([]byte("code=c&shop=s.myshopify.com&state=st&timestamp=1700000000"))
	params["hmac"] = hex.EncodeToString(mac.Sum(nil))

	assert.True(t, VerifyOAuthQuery(params, "secret"))
	params["state"] = "tampered"
	assert.False(t, VerifyOAuthQuery(params, "secret"))
}

func TestIsValidShopDomain(t *testing.T) {
	assert.True(t, IsValidShopDomain("my-store.myshopify.com"))
	assert.False(t, IsValidShopDomain("evil.com"))
	assert.False(t, IsValidShopDomain("x.myshopify.com/../"))
	assert.False(t, IsValidShopDomain(".myshopify.com"))
}

func TestClaimWebhook(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := &dbtest.Recorder{}

	dup, err := ClaimWebhook(ctx, rec, "dedupe", "wh-1", "s.myshopify.com", TopicOrdersCreate, now)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, "WH#wh-1", rec.Puts[0].Item["PK"].(*types.AttributeValueMemberS).Value)

	rec.OnPut = func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
		return nil, &types.ConditionalCheckFailedException{}
	}
	dup, err = ClaimWebhook(ctx, rec, "dedupe", "wh-1", "s.myshopify.com", TopicOrdersCreate, now)
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = ClaimWebhook(ctx, rec, "", "wh-1", "s", "t", now)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Len(t, rec.Puts, 2)
}

func TestIntegrationStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	sealer, err := security.NewSealer([]byte(strings.Repeat("x", 32)))
	require.NoError(t, err)

	rec := &dbtest.Recorder{}
	st := NewIntegrationStore(rec, "integrations", sealer)
	require.NoError(t, st.Save(ctx, "a1", "s.myshopify.com", Token{AccessToken: "shpat_9", Scope: "read_orders"}, time.Now()))

	stored := rec.Puts[0].Item
	assert.NotEqual(t, "shpat_9", stored["AccessTokenEnc"].(*types.AttributeValueMemberS).Value)

	rec.OnQuery = func(*dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
		return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{stored}}, nil
	}
	tok, integ, err := st.Load(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "shpat_9", tok)
	assert.Equal(t, "s.myshopify.com", integ.Shop)
	assert.Equal(t, "a1", integ.AgentID)
}

func TestOrderHelpers(t *testing.T) {
	var o Order
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": 5, "total_price": "120.50", "created_at": "2026-01-15T10:00:00-05:00",
		"note_attributes": [{"name": "chatpop_session_id", "value": " s1 "}],
		"line_items": [{"product_id": 7, "quantity": 2, "price": "10.25"}]
	}`), &o))
	assert.InDelta(t, 120.5, o.Total(), 1e-9)
	v, ok := o.Note("chatpop_session_id")
	assert.True(t, ok)
	assert.Equal(t, "s1", v)
	assert.InDelta(t, 20.5, o.LineItems[0].Amount(), 1e-9)
	assert.Equal(t, time.Date(2026, 1, 15, 15, 0, 0, 0, time.UTC), o.CreatedAt.UTC())
}
