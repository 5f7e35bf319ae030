package shopify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const pageLimit = 250

// maxPages stops a runaway Link chain.
const maxPages = 10000

type OrderQuery struct {
	CreatedMin time.Time
	CreatedMax time.Time
	Fields     []string
}

func (q OrderQuery) values() url.Values {
	v := url.Values{}
	v.Set("status", "any")
	v.Set("limit", strconv.Itoa(pageLimit))
	if !q.CreatedMin.IsZero() {
		v.Set("created_at_min", q.CreatedMin.UTC().Format(time.RFC3339))
	}
	if !q.CreatedMax.IsZero() {
		v.Set("created_at_max", q.CreatedMax.UTC().Format(time.RFC3339))
	}
	if len(q.Fields) > 0 {
		v.Set("fields", strings.Join(q.Fields, ","))
	}
	return v
}

// ListOrders walks every orders.json page and hands each page to fn.
func (c *Client) ListOrders(ctx context.Context, shop, accessToken string, q OrderQuery, fn func([]Order) error) error {
	return walk(ctx, c, shop, accessToken, "orders.json", q.values(), "orders", fn)
}

// ListCustomers walks every customers.json page.
func (c *Client) ListCustomers(ctx context.Context, shop, accessToken string, fn func([]Customer) error) error {
	v := url.Values{}
	v.Set("limit", strconv.Itoa(pageLimit))
	return walk(ctx, c, shop, accessToken, "customers.json", v, "customers", fn)
}

func walk[T any](ctx context.Context, c *Client, shop, accessToken, path string, query url.Values, key string, fn func([]T) error) error {
	next := c.adminURL(shop, path) + "?" + query.Encode()
	for page := 0; next != ""; page++ {
		if page >= maxPages {
			return fmt.Errorf("%s: more than %d pages", path, maxPages)
		}
		resp, err := c.send(ctx, shop, http.MethodGet, next, accessToken, nil)
		if err != nil {
			return fmt.Errorf("%s page %d: %w", path, page+1, err)
		}

		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(resp.body, &envelope); err != nil {
			return fmt.Errorf("%s page %d: decode: %w", path, page+1, err)
		}
		var items []T
		if raw, ok := envelope[key]; ok {
			if err := json.Unmarshal(raw, &items); err != nil {
				return fmt.Errorf("%s page %d: decode %s: %w", path, page+1, key, err)
			}
		}
		if err := fn(items); err != nil {
			return err
		}

		next = ""
		if u, ok := parseNextLink(resp.header.Get("Link")); ok {
			next = u
		}
	}
	return nil
}

// parseNextLink extracts the rel="next" URL from a Link header such as
// `<https://s/admin/api/v/orders.json?page_info=abc>; rel="next"`.
func parseNextLink(h string) (string, bool) {
	for _, part := range strings.Split(h, ",") {
		segs := strings.Split(part, ";")
		if len(segs) < 2 {
			continue
		}
		target := strings.TrimSpace(segs[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		for _, p := range segs[1:] {
			p = strings.ReplaceAll(strings.TrimSpace(p), " ", "")
			if p == `rel="next"` || p == "rel=next" {
				return strings.Trim(target, "<>"), true
			}
		}
	}
	return "", false
}
