// Package handlers adapts API Gateway HTTP API requests to the ChatPop
// services. Each handler is a struct holding its dependencies; cmd/ mains
// build one and pass its Handle method to lambda.Start.
package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"chatpop/internal/validate"

	"github.com/aws/aws-lambda-go/events"
)

// maxBodyBytes caps inbound JSON bodies.
const maxBodyBytes = 256 << 10

var errBodyTooLarge = errors.New("body too large")

// userSub reads the Cognito subject and email from the HTTP API JWT
// authorizer claims.
func userSub(req events.APIGatewayV2HTTPRequest) (string, string, error) {
	if req.RequestContext.Authorizer == nil || req.RequestContext.Authorizer.JWT == nil || req.RequestContext.Authorizer.JWT.Claims == nil {
		return "", "", errors.New("missing authorizer claims")
	}
	claims := req.RequestContext.Authorizer.JWT.Claims
	sub := strings.TrimSpace(claims["sub"])
	if sub == "" {
		return "", "", fmt.Errorf("missing sub")
	}
	email := strings.TrimSpace(claims["email"])
	return sub, email, nil
}

func jsonResp(status int, v any) (events.APIGatewayV2HTTPResponse, error) {
	b, _ := json.Marshal(v)
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers: map[string]string{
			"content-type":                "application/json",
			"access-control-allow-origin": "*",
		},
		Body: string(b),
	}, nil
}

func errResp(status int, msg string) (events.APIGatewayV2HTTPResponse, error) {
	return jsonResp(status, map[string]any{
		"error": msg,
	})
}

// invalidResp reports validation failures with the offending fields.
func invalidResp(err error) (events.APIGatewayV2HTTPResponse, error) {
	fields := validate.Fields(err)
	if fields == nil {
		fields = []string{}
	}
	return jsonResp(400, map[string]any{
		"error":  "invalid request",
		"fields": fields,
	})
}

func preflight() (events.APIGatewayV2HTTPResponse, error) {
	return events.APIGatewayV2HTTPResponse{
		StatusCode: 204,
		Headers: map[string]string{
			"access-control-allow-origin":  "*",
			"access-control-allow-methods": "GET,POST,PUT,OPTIONS",
			"access-control-allow-headers": "content-type,authorization",
		},
	}, nil
}

// rawBody returns the request body bytes, decoding base64 when API Gateway
// delivered it that way.
func rawBody(req events.APIGatewayV2HTTPRequest) ([]byte, error) {
	if len(req.Body) > maxBodyBytes*2 {
		return nil, errBodyTooLarge
	}
	var b []byte
	if req.IsBase64Encoded {
		d, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		b = d
	} else {
		b = []byte(req.Body)
	}
	if len(b) > maxBodyBytes {
		return nil, errBodyTooLarge
	}
	return b, nil
}

func decodeJSON(req events.APIGatewayV2HTTPRequest, dst any) error {
	b, err := rawBody(req)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(b, dst)
}

// header looks up a request header case-insensitively. HTTP API lowercases
// header names but test events and proxies do not always.
func header(req events.APIGatewayV2HTTPRequest, name string) string {
	if v, ok := req.Headers[strings.ToLower(name)]; ok {
		return v
	}
	for k, v := range req.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func method(req events.APIGatewayV2HTTPRequest) string {
	return strings.ToUpper(req.RequestContext.HTTP.Method)
}
