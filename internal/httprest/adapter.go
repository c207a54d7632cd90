package httprest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/adapter"
	"github.com/KevinKickass/OpenLabCore/internal/transform"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	AdapterID = "http"

	defaultRetryDelay        = time.Second
	defaultHeartbeatInterval = 30 * time.Second
	heartbeatFailureLimit    = 3
)

// RequestFunc is the raw request protocol method.
type RequestFunc func(ctx context.Context, deviceID, method, path string, body map[string]any) (*Response, error)

// Adapter drives devices that expose an HTTP/REST API. Commands map to
// endpoints by name; data events come from polling.
type Adapter struct {
	*adapter.Base
	client *http.Client
}

type Option func(*Adapter)

// WithHTTPClient replaces the shared HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

func NewAdapter(logger *zap.Logger, opts ...Option) *Adapter {
	a := &Adapter{client: &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}}
	for _, opt := range opts {
		opt(a)
	}

	a.Base = adapter.NewBase(adapter.Options{
		ID:              AdapterID,
		Name:            "HTTP/REST",
		ConnectionTypes: []types.ConnectionType{types.ConnectionHTTP},
		Dialer:          a,
		Logger:          logger,
		Features:        []string{"polling", "request", "endpoint-map", "heartbeat"},
	})

	a.RegisterMethod("request", RequestFunc(func(ctx context.Context, deviceID, method, path string, body map[string]any) (*Response, error) {
		l, cfg, err := a.activeLink(deviceID)
		if err != nil {
			return nil, err
		}
		ep := types.EndpointDefinition{Path: path, Method: method}
		plan, err := planEndpoint(l.base, ep, l.params.DefaultContentType, body)
		if err != nil {
			return nil, &types.ConfigError{DeviceID: deviceID, Field: "path", Err: err}
		}
		ctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
		defer cancel()
		return l.do(ctx, plan)
	}))

	return a
}

func (a *Adapter) activeLink(deviceID string) (*link, types.DeviceConnectionConfig, error) {
	l, cfg, err := a.ActiveLink(deviceID)
	if err != nil {
		return nil, cfg, err
	}
	return l.(*link), cfg, nil
}

// Validate checks the base URL, auth settings and the endpoint map.
func (a *Adapter) Validate(deviceID string, cfg types.DeviceConnectionConfig) error {
	p := cfg.HTTP

	u, err := url.Parse(p.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &types.ConfigError{DeviceID: deviceID, Field: "base_url", Err: fmt.Errorf("invalid base url %q", p.BaseURL)}
	}
	if _, err := NewAuthenticator(p.Auth); err != nil {
		return &types.ConfigError{DeviceID: deviceID, Field: "auth", Err: err}
	}
	if len(p.Endpoints) == 0 {
		return &types.ConfigError{DeviceID: deviceID, Field: "endpoints", Err: errors.New("no endpoints defined")}
	}

	for name, ep := range p.Endpoints {
		field := "endpoints." + name
		if ep.Path == "" {
			return &types.ConfigError{DeviceID: deviceID, Field: field, Err: errors.New("path required")}
		}
		switch ep.Method {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return &types.ConfigError{DeviceID: deviceID, Field: field, Err: fmt.Errorf("unsupported method %q", ep.Method)}
		}
		for _, param := range templateNames(ep.Path) {
			if !slices.Contains(ep.PathParams, param) {
				return &types.ConfigError{DeviceID: deviceID, Field: field, Err: fmt.Errorf("path placeholder {%s} not declared in path_params", param)}
			}
		}
	}

	for _, name := range p.PollEndpoints {
		ep, ok := p.Endpoints[name]
		if !ok {
			return &types.ConfigError{DeviceID: deviceID, Field: "poll_endpoints", Err: fmt.Errorf("unknown endpoint %q", name)}
		}
		if len(ep.PathParams) > 0 {
			return &types.ConfigError{DeviceID: deviceID, Field: "poll_endpoints", Err: fmt.Errorf("endpoint %q needs path parameters", name)}
		}
	}
	return nil
}

// Dial checks reachability. With a heartbeat path configured the device
// must answer it with a 2xx; otherwise any HTTP response from the base URL
// counts as reachable.
func (a *Adapter) Dial(ctx context.Context, deviceID string, cfg types.DeviceConnectionConfig) (adapter.Link, error) {
	p := cfg.HTTP
	base, _ := url.Parse(p.BaseURL)
	auth, _ := NewAuthenticator(p.Auth)

	logger := a.Logger().With(zap.String("device_id", deviceID))
	l := &link{
		Lifeline:  adapter.NewLifeline(),
		owner:     a,
		deviceID:  deviceID,
		client:    a.client,
		base:      base,
		auth:      auth,
		params:    p,
		transform: cfg.Transform,
		logger:    logger,
	}

	probe := requestPlan{method: http.MethodGet, url: base.String()}
	if p.HeartbeatPath != "" {
		probe.url = joinURL(base, p.HeartbeatPath)
	}
	if _, err := l.once(ctx, probe); err != nil {
		var statusErr *StatusError
		if p.HeartbeatPath != "" || !errors.As(err, &statusErr) {
			return nil, err
		}
	}

	if len(p.PollEndpoints) > 0 {
		l.poller = adapter.NewPoller(deviceID+"/poll", cfg.PollInterval(), l.poll, logger)
	}
	if p.HeartbeatPath != "" {
		interval := defaultHeartbeatInterval
		if p.HeartbeatIntervalMs > 0 {
			interval = time.Duration(p.HeartbeatIntervalMs) * time.Millisecond
		}
		l.heartbeat = adapter.NewPoller(deviceID+"/heartbeat", interval, l.beat, logger)
	}

	return l, nil
}

// SendCommand calls the endpoint named like the command. Unknown commands
// fail before any request is made.
func (a *Adapter) SendCommand(ctx context.Context, deviceID string, cmd types.Command) (*types.CommandResult, error) {
	cfg, ok := a.Config(deviceID)
	if !ok || cfg.HTTP == nil {
		return nil, &types.ConnectionError{DeviceID: deviceID, Op: "send", Err: types.ErrNotConnected}
	}
	ep, ok := cfg.HTTP.Endpoints[cmd.Command]
	if !ok {
		return nil, &types.ConfigError{DeviceID: deviceID, Field: "endpoints", Err: fmt.Errorf("no endpoint for command %q", cmd.Command)}
	}

	return a.Execute(ctx, deviceID, cmd, func(ctx context.Context, l adapter.Link, cmd types.Command) error {
		hl := l.(*link)
		data, err := hl.call(ctx, ep, cmd.Parameters)
		if err != nil {
			return err
		}
		a.Correlator().Complete(cmd.ID, data)
		return nil
	})
}

// ReadData queries the named endpoints, or the poll endpoints when no names
// are given, and merges the results into one reading.
func (a *Adapter) ReadData(ctx context.Context, deviceID string, query types.Query) (types.DeviceEvent, error) {
	l, cfg, err := a.activeLink(deviceID)
	if err != nil {
		return types.DeviceEvent{}, err
	}

	names := query.Names
	if len(names) == 0 {
		names = l.params.PollEndpoints
	}
	if len(names) == 0 {
		return types.DeviceEvent{}, &types.ConfigError{DeviceID: deviceID, Field: "poll_endpoints", Err: errors.New("no endpoints to read")}
	}
	for _, name := range names {
		if _, ok := l.params.Endpoints[name]; !ok {
			return types.DeviceEvent{}, &types.ConfigError{DeviceID: deviceID, Field: "endpoints", Err: fmt.Errorf("unknown endpoint %q", name)}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	reading, err := l.readEndpoints(ctx, names, query.Options)
	if err != nil {
		return types.DeviceEvent{}, &types.CommandError{DeviceID: deviceID, Command: "read", Err: err}
	}

	event := types.NewEvent(deviceID, types.EventDataReceived, reading)
	event.AdapterID = a.ID()
	return event, nil
}

type link struct {
	*adapter.Lifeline
	owner     *Adapter
	deviceID  string
	client    *http.Client
	base      *url.URL
	auth      Authenticator
	params    *types.HTTPParams
	transform *types.TransformSpec
	logger    *zap.Logger

	poller    *adapter.Poller
	heartbeat *adapter.Poller
	misses    atomic.Int32
}

func (l *link) Start() {
	if l.poller != nil {
		l.poller.Start()
	}
	if l.heartbeat != nil {
		l.heartbeat.Start()
	}
}

func (l *link) Close() error {
	l.Cut(nil)
	if l.poller != nil {
		l.poller.Stop()
	}
	if l.heartbeat != nil {
		l.heartbeat.Stop()
	}
	return nil
}

// call runs one endpoint and returns the (transformed) response body.
func (l *link) call(ctx context.Context, ep types.EndpointDefinition, params map[string]any) (any, error) {
	plan, err := planEndpoint(l.base, ep, l.params.DefaultContentType, params)
	if err != nil {
		return nil, &types.ConfigError{DeviceID: l.deviceID, Field: "path_params", Err: err}
	}

	if ep.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ep.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	resp, err := l.do(ctx, plan)
	if err != nil {
		return nil, err
	}
	if ep.Transform == nil {
		return resp.Body, nil
	}

	reading, err := transform.Apply(ep.Transform, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}
	return reading.Values, nil
}

// do sends a request, retrying transport errors and 5xx responses up to
// RetryCount times with a constant delay. Retries stop early once the next
// delay would outlast ctx's deadline, leaving the last error as the result.
func (l *link) do(ctx context.Context, plan requestPlan) (*Response, error) {
	delay := defaultRetryDelay
	if l.params.RetryDelayMs > 0 {
		delay = time.Duration(l.params.RetryDelayMs) * time.Millisecond
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(max(l.params.RetryCount, 0))),
		ctx,
	)

	var resp *Response
	op := func() error {
		var err error
		resp, err = l.once(ctx, plan)
		if err == nil {
			return nil
		}
		var statusErr *StatusError
		if ctx.Err() != nil || errors.As(err, &statusErr) && !statusErr.retryable() {
			return backoff.Permanent(err)
		}
		// no point waiting for a retry the deadline will cut short
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= delay {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		l.logger.Debug("Retrying request",
			zap.String("method", plan.method),
			zap.String("url", plan.url),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return resp, err
	}
	return resp, nil
}

// once sends a single request and checks the status.
func (l *link) once(ctx context.Context, plan requestPlan) (*Response, error) {
	req, err := plan.build(ctx)
	if err != nil {
		return nil, err
	}
	for k, v := range l.params.Headers {
		req.Header.Set(k, v)
	}
	l.auth.Apply(req)

	httpResp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	resp, err := decodeResponse(httpResp)
	if err != nil {
		return nil, err
	}
	l.owner.RecordSent(l.deviceID, len(plan.body))
	l.owner.RecordReceived(l.deviceID, resp.Bytes)

	if !plan.accepts(resp.Status) {
		return resp, &StatusError{Code: resp.Status, Body: bodyText(resp.Body)}
	}
	return resp, nil
}

// readEndpoints calls every named endpoint and merges the readings.
func (l *link) readEndpoints(ctx context.Context, names []string, options map[string]any) (types.Reading, error) {
	merged := types.Reading{Values: make(map[string]any), Source: AdapterID}

	sorted := slices.Clone(names)
	sort.Strings(sorted)

	for _, name := range sorted {
		ep := l.params.Endpoints[name]
		plan, err := planEndpoint(l.base, ep, l.params.DefaultContentType, options)
		if err != nil {
			return types.Reading{}, fmt.Errorf("%s: %w", name, err)
		}
		resp, err := l.do(ctx, plan)
		if err != nil {
			return types.Reading{}, fmt.Errorf("%s: %w", name, err)
		}

		spec := ep.Transform
		if spec == nil {
			spec = l.transform
		}
		reading, err := transform.Apply(spec, resp.Body)
		if err != nil {
			return types.Reading{}, fmt.Errorf("%s: transform: %w", name, err)
		}

		for k, v := range reading.Values {
			merged.Values[k] = v
		}
		for k, u := range reading.Units {
			if merged.Units == nil {
				merged.Units = make(map[string]string)
			}
			merged.Units[k] = u
		}
	}
	return merged, nil
}

func (l *link) poll(ctx context.Context) error {
	reading, err := l.readEndpoints(ctx, l.params.PollEndpoints, nil)
	if err != nil {
		l.owner.EmitError(l.deviceID, &types.CommandError{DeviceID: l.deviceID, Command: "poll", Err: err})
		return err
	}
	// response bytes are counted per request
	l.owner.EmitData(l.deviceID, reading, 0)
	return nil
}

// beat checks liveness; heartbeatFailureLimit misses in a row count as a
// lost transport.
func (l *link) beat(ctx context.Context) error {
	plan := requestPlan{method: http.MethodGet, url: joinURL(l.base, l.params.HeartbeatPath)}
	if _, err := l.once(ctx, plan); err != nil {
		misses := l.misses.Add(1)
		l.logger.Warn("Heartbeat failed", zap.Int32("misses", misses), zap.Error(err))
		if misses >= heartbeatFailureLimit {
			l.Cut(fmt.Errorf("heartbeat failed %d times: %w", misses, err))
		}
		return err
	}
	l.misses.Store(0)
	return nil
}
