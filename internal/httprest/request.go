package httprest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/KevinKickass/OpenLabCore/internal/transform"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

const (
	contentTypeJSON = "application/json"
	contentTypeForm = "application/x-www-form-urlencoded"

	maxBodySize = 4 << 20
)

var placeholder = regexp.MustCompile(`\{([^{}]+)\}`)

// StatusError is an HTTP response with an unexpected status code.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.Code >= http.StatusInternalServerError
}

// Response is a decoded device response.
type Response struct {
	Status int         `json:"status"`
	Header http.Header `json:"-"`
	Body   any         `json:"body,omitempty"`
	Bytes  int         `json:"-"`
}

// requestPlan is everything needed to (re)build one request.
type requestPlan struct {
	method      string
	url         string
	contentType string
	body        []byte
	expected    []int
}

func (p requestPlan) build(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if p.body != nil {
		body = bytes.NewReader(p.body)
	}
	req, err := http.NewRequestWithContext(ctx, p.method, p.url, body)
	if err != nil {
		return nil, err
	}
	if p.body != nil {
		req.Header.Set("Content-Type", p.contentType)
	}
	req.Header.Set("Accept", contentTypeJSON)
	return req, nil
}

func (p requestPlan) accepts(status int) bool {
	if len(p.expected) == 0 {
		return status >= 200 && status < 300
	}
	return slices.Contains(p.expected, status)
}

// templateNames lists the {name} placeholders of a path template.
func templateNames(path string) []string {
	var names []string
	for _, m := range placeholder.FindAllStringSubmatch(path, -1) {
		names = append(names, m[1])
	}
	return names
}

// joinURL appends an already escaped path to the base URL, keeping the
// base query.
func joinURL(base *url.URL, path string) string {
	u := *base
	u.RawQuery = ""
	u.Fragment = ""

	joined := strings.TrimSuffix(u.String(), "/") + "/" + strings.TrimPrefix(path, "/")
	if base.RawQuery != "" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		joined += sep + base.RawQuery
	}
	return joined
}

// planEndpoint binds command parameters onto an endpoint definition.
func planEndpoint(base *url.URL, ep types.EndpointDefinition, defaultContentType string, params map[string]any) (requestPlan, error) {
	used := make(map[string]bool)

	var missing []string
	path := placeholder.ReplaceAllStringFunc(ep.Path, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := params[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		used[name] = true
		return url.PathEscape(fmt.Sprint(v))
	})
	if len(missing) > 0 {
		return requestPlan{}, fmt.Errorf("missing path parameters %v", missing)
	}

	target, err := url.Parse(joinURL(base, path))
	if err != nil {
		return requestPlan{}, err
	}
	if len(ep.QueryParams) > 0 {
		q := target.Query()
		for _, name := range ep.QueryParams {
			if v, ok := params[name]; ok {
				q.Set(name, fmt.Sprint(v))
				used[name] = true
			}
		}
		target.RawQuery = q.Encode()
	}

	plan := requestPlan{
		method:   strings.ToUpper(ep.Method),
		url:      target.String(),
		expected: ep.ExpectedStatus,
	}

	fields := make(map[string]any)
	if len(ep.BodyFields) > 0 {
		for _, name := range ep.BodyFields {
			if v, ok := params[name]; ok {
				fields[name] = v
			}
		}
	} else if hasBody(plan.method) {
		for k, v := range params {
			if !used[k] {
				fields[k] = v
			}
		}
	}

	if len(fields) > 0 || hasBody(plan.method) {
		plan.contentType = ep.ContentType
		if plan.contentType == "" {
			plan.contentType = defaultContentType
		}
		if plan.contentType == "" {
			plan.contentType = contentTypeJSON
		}
		plan.body, err = encodeBody(plan.contentType, fields)
		if err != nil {
			return requestPlan{}, err
		}
	}

	return plan, nil
}

func hasBody(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

func encodeBody(contentType string, fields map[string]any) ([]byte, error) {
	if strings.HasPrefix(contentType, contentTypeForm) {
		form := url.Values{}
		for k, v := range fields {
			form.Set(k, fmt.Sprint(v))
		}
		return []byte(form.Encode()), nil
	}
	return json.Marshal(fields)
}

func decodeResponse(resp *http.Response) (*Response, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, err
	}

	out := &Response{Status: resp.StatusCode, Header: resp.Header, Bytes: len(raw)}
	if len(bytes.TrimSpace(raw)) > 0 {
		out.Body = transform.Decode(raw)
	}
	return out, nil
}

func bodyText(body any) string {
	switch b := body.(type) {
	case nil:
		return ""
	case string:
		return b
	default:
		out, _ := json.Marshal(b)
		return string(out)
	}
}
