package shopify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type GraphQLError struct {
	Message    string `json:"message"`
	Path       []any  `json:"path,omitempty"`
	Extensions struct {
		Code string `json:"code,omitempty"`
	} `json:"extensions,omitempty"`
}

type GraphQLResponse[T any] struct {
	Data   T              `json:"data"`
	Errors []GraphQLError `json:"errors"`
}

// Err folds top-level GraphQL errors into one error.
func (r *GraphQLResponse[T]) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		if e.Extensions.Code != "" {
			msgs = append(msgs, e.Message+" ("+e.Extensions.Code+")")
		} else {
			msgs = append(msgs, e.Message)
		}
	}
	return fmt.Errorf("shopify graphql: %s", strings.Join(msgs, "; "))
}

func PostGraphQL[T any](ctx context.Context, c *Client, shop, accessToken, query string, variables any) (*GraphQLResponse[T], error) {
	b, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, shop, http.MethodPost, c.adminURL(shop, "graphql.json"), accessToken, b)
	if err != nil {
		return nil, err
	}
	var out GraphQLResponse[T]
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, fmt.Errorf("decode graphql response: %w", err)
	}
	return &out, nil
}

type ShopInfo struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	CurrencyCode    string `json:"currencyCode"`
	IanaTimezone    string `json:"ianaTimezone"`
	MyshopifyDomain string `json:"myshopifyDomain"`
}

const shopQuery = `query { shop { name email currencyCode ianaTimezone myshopifyDomain } }`

// GetShop returns the shop's metadata.
func (c *Client) GetShop(ctx context.Context, shop, accessToken string) (*ShopInfo, error) {
	resp, err := PostGraphQL[struct {
		Shop ShopInfo `json:"shop"`
	}](ctx, c, shop, accessToken, shopQuery, map[string]any{})
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return &resp.Data.Shop, nil
}
