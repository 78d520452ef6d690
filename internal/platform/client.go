package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"opsync/internal/observability"
)

// Client is the HTTP plumbing adapters share: request building, auth hook,
// response classification, JSON decoding, all under the Policy.
type Client struct {
	Platform string
	BaseURL  string
	HTTP     *http.Client
	Policy   *Policy
	// Auth decorates each outgoing request.
	Auth func(ctx context.Context, req *http.Request) error
}

type Request struct {
	Op     string
	Method string
	Path   string
	Query  url.Values
	// Body is JSON encoded unless it is url.Values, which is form encoded.
	Body   any
	Header http.Header
	Out    any
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (c *Client) Do(ctx context.Context, r Request) (Response, error) {
	ctx, span := observability.Tracer().Start(ctx, "platform."+r.Op)
	span.SetAttributes(attribute.String("platform", c.Platform))
	defer span.End()

	var payload []byte
	contentType := ""
	switch b := r.Body.(type) {
	case nil:
	case url.Values:
		payload = []byte(b.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		var err error
		payload, err = json.Marshal(b)
		if err != nil {
			return Response{}, Permanent(c.Platform, "encode_request", err.Error())
		}
		contentType = "application/json"
	}

	var out Response
	call := func(ctx context.Context) error {
		u := strings.TrimRight(c.BaseURL, "/") + r.Path
		if len(r.Query) > 0 {
			u += "?" + r.Query.Encode()
		}
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, r.Method, u, body)
		if err != nil {
			return Permanent(c.Platform, "build_request", err.Error())
		}
		for k, vs := range r.Header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-Id", uuid.NewString())
		if c.Auth != nil {
			if err := c.Auth(ctx, req); err != nil {
				return err
			}
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return FromStatus(c.Platform, resp.StatusCode, resp.Header, b)
		}
		out = Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: b}
		if r.Out != nil && len(b) > 0 {
			if err := json.Unmarshal(b, r.Out); err != nil {
				return Permanent(c.Platform, "decode_response", err.Error())
			}
		}
		return nil
	}

	if c.Policy == nil {
		if err := call(ctx); err != nil {
			span.RecordError(err)
			return Response{}, FromError(c.Platform, err)
		}
		return out, nil
	}
	if err := c.Policy.Do(ctx, r.Op, call); err != nil {
		span.RecordError(err)
		return Response{}, err
	}
	return out, nil
}
