package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/auth"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/billing"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/breaker"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/deprecation"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/passthrough"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/router"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/streaming"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

const (
	maxRequestBytes  = 10 << 20
	maxResponseBytes = 32 << 20
)

// LogStore persists request logs.
type LogStore interface {
	LogRequest(ctx context.Context, log *models.GatewayLog) error
}

// Deps wires a ChatHandler. Detector, Cache and Logs are optional.
type Deps struct {
	Router      *router.Router
	Breaker     *breaker.Breaker
	Adaptors    *providers.Factory
	Billing     *billing.Engine
	Detector    *deprecation.Detector
	Cache       *cache.Cache
	Logs        LogStore
	Client      *http.Client
	MaxAttempts int
	CacheTTL    time.Duration
}

type ChatHandler struct {
	router      *router.Router
	breaker     *breaker.Breaker
	adaptors    *providers.Factory
	billing     *billing.Engine
	detector    *deprecation.Detector
	cache       *cache.Cache
	logs        LogStore
	client      *http.Client
	maxAttempts int
	cacheTTL    time.Duration
}

func NewChatHandler(d Deps) *ChatHandler {
	if d.Client == nil {
		d.Client = NewUpstreamClient(2 * time.Minute)
	}
	if d.MaxAttempts < 1 {
		d.MaxAttempts = 1
	}
	return &ChatHandler{
		router:      d.Router,
		breaker:     d.Breaker,
		adaptors:    d.Adaptors,
		billing:     d.Billing,
		detector:    d.Detector,
		cache:       d.Cache,
		logs:        d.Logs,
		client:      d.Client,
		maxAttempts: d.MaxAttempts,
		cacheTTL:    d.CacheTTL,
	}
}

// NewUpstreamClient returns a client whose timeout covers connecting and
// waiting for response headers but not reading a long stream.
func NewUpstreamClient(timeout time.Duration) *http.Client {
	return &http.Client{Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}}
}

// call is the state of one inbound request across failover attempts.
type call struct {
	token     *models.Token
	req       *providers.ChatRequest
	raw       []byte
	path      string
	native    string // client path and query forwarded as-is; empty on the chat route
	requestID string
	start     time.Time
	failover  bool
}

func newCall(r *http.Request, token *models.Token, req *providers.ChatRequest, raw []byte) *call {
	id := chimiddleware.GetReqID(r.Context())
	if id == "" {
		id = uuid.NewString()
	}
	return &call{
		token:     token,
		req:       req,
		raw:       raw,
		path:      r.URL.Path,
		requestID: id,
		start:     time.Now(),
	}
}

// HandleChatCompletion handles POST /v1/chat/completions
func (h *ChatHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	token, ok := TokenFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, codeInvalidToken, "unauthorized")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "failed to read request body")
		return
	}
	req, err := providers.ParseChatRequest(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	c := newCall(r, token, req, raw)
	w.Header().Set("X-Request-Id", c.requestID)
	if !req.Stream && h.cache != nil && h.serveCached(r.Context(), w, c) {
		return
	}
	h.relay(w, r, c)
}

// HandleGeminiNative handles POST /v1beta/models/{model}:{method} and the
// /v1 equivalent. Only channels that accept Gemini passthrough are used.
func (h *ChatHandler) HandleGeminiNative(w http.ResponseWriter, r *http.Request) {
	token, ok := TokenFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, codeInvalidToken, "unauthorized")
		return
	}
	model, ok := passthrough.ExtractModelFromGeminiPath(r.URL.Path)
	if !ok {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "model missing from path")
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "failed to read request body")
		return
	}

	req := &providers.ChatRequest{Model: model, Stream: passthrough.IsStreamPath(r.URL.Path)}
	c := newCall(r, token, req, raw)
	c.native = r.URL.Path
	q := r.URL.Query()
	q.Del("key")
	if enc := q.Encode(); enc != "" {
		c.native += "?" + enc
	}
	w.Header().Set("X-Request-Id", c.requestID)
	h.relay(w, r, c)
}

// relay tries channels until one answers or the attempt budget is spent.
func (h *ChatHandler) relay(w http.ResponseWriter, r *http.Request, c *call) {
	ctx := r.Context()
	exclude := make(map[int64]bool)
	var (
		attempts int
		lastErr  error
	)

	for attempts < h.maxAttempts {
		ch, err := h.router.RouteExcluding(ctx, c.token.Group, c.req.Model, exclude)
		if errors.Is(err, router.ErrNoChannel) {
			break
		}
		if err != nil {
			log.Printf("relay: %v", err)
			writeError(w, http.StatusInternalServerError, codeInternal, "routing failed")
			return
		}
		exclude[ch.ID] = true

		id := strconv.FormatInt(ch.ID, 10)
		if !h.breaker.AllowModel(id, c.req.Model) {
			continue
		}
		mode := passthrough.Decide(c.path, c.raw, ch.Type)
		if c.native != "" && mode != passthrough.Passthrough {
			continue
		}
		attempts++

		adaptor := h.adaptors.Get(ctx, ch)
		resp, err := h.send(ctx, ch, adaptor, mode, c)
		if err == nil {
			h.breaker.RecordModelSuccess(id, c.req.Model)
			c.failover = attempts > 1
			h.respond(ctx, w, ch, adaptor, mode, c, resp)
			return
		}
		if ctx.Err() != nil {
			// Client went away; nothing to retry for.
			return
		}

		lastErr = err
		var up *providers.UpstreamError
		if errors.As(err, &up) && up.StatusCode != 0 && !failoverEligible(up.StatusCode) {
			h.checkDeprecation(ctx, ch, up)
			h.forwardUpstreamError(w, c, ch, up)
			return
		}
		h.recordFailure(ctx, ch, id, c.req.Model, err)
	}

	h.writeExhausted(w, c, len(exclude), attempts, lastErr)
}

// failoverEligible reports whether another channel may succeed where this
// status failed. Other 4xx answers are the client's problem.
func failoverEligible(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusPaymentRequired, http.StatusForbidden,
		http.StatusNotFound, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

func (h *ChatHandler) send(ctx context.Context, ch *models.Channel, adaptor providers.Adaptor, mode passthrough.Mode, c *call) (*http.Response, error) {
	httpReq, err := h.buildRequest(ctx, ch, adaptor, mode, c)
	if err != nil {
		return nil, err
	}
	return providers.Send(h.client, httpReq)
}

func (h *ChatHandler) buildRequest(ctx context.Context, ch *models.Channel, adaptor providers.Adaptor, mode passthrough.Mode, c *call) (*http.Request, error) {
	if mode == passthrough.Passthrough {
		body := c.raw
		if c.native == "" {
			body = stripGatewayFields(c.raw)
		}
		if ch.Type == models.ChannelTypeGemini {
			return providers.NewGeminiNativeRequest(ctx, ch, c.native, c.req.Model, c.req.Stream, body)
		}
		static := h.adaptors.Static(ch.Type)
		if nr, ok := static.(providers.NativeRequester); ok && c.native != "" {
			return nr.BuildNativeRequest(ctx, ch, c.req, c.native, body)
		}
		return static.BuildRequest(ctx, ch, c.req, body)
	}

	body, err := adaptor.ConvertRequest(c.req, c.raw)
	if err != nil {
		return nil, fmt.Errorf("convert request: %w", err)
	}
	return adaptor.BuildRequest(ctx, ch, c.req, body)
}

// stripGatewayFields drops the routing fields a Gemini-format body carries
// on the chat route before it is forwarded.
func stripGatewayFields(raw []byte) []byte {
	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) != nil {
		return raw
	}
	for _, k := range []string{"model", "stream", "stream_options", "project_id", "region", "user", "service_tier"} {
		delete(obj, k)
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return out
}

func classifyFailure(err error) breaker.Failure {
	var up *providers.UpstreamError
	if errors.As(err, &up) && up.StatusCode != 0 {
		f := breaker.ClassifyStatus(up.StatusCode, up.RetryAfter)
		if f.Type == breaker.FailureRateLimited {
			f.Scope = breaker.ScopeFromMessage(up.Message())
		}
		return f
	}
	if errors.Is(err, auth.ErrInvalidCredential) {
		return breaker.Failure{Type: breaker.FailureAuth}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return breaker.Failure{Type: breaker.FailureTimeout}
	}
	return breaker.Failure{Type: breaker.FailureConnection}
}

func (h *ChatHandler) recordFailure(ctx context.Context, ch *models.Channel, id, model string, err error) {
	f := classifyFailure(err)
	h.breaker.RecordModelFailure(id, model, f)
	log.Printf("relay: channel %d (%s) failed with %s: %v", ch.ID, ch.Name, f.Type, err)

	var up *providers.UpstreamError
	if errors.As(err, &up) && up.StatusCode != 0 {
		h.checkDeprecation(ctx, ch, up)
	}
}

func (h *ChatHandler) checkDeprecation(ctx context.Context, ch *models.Channel, up *providers.UpstreamError) {
	if h.detector == nil {
		return
	}
	if _, _, err := h.detector.Check(ctx, ch, up.Message()); err != nil {
		log.Printf("relay: %v", err)
	}
}

func (h *ChatHandler) forwardUpstreamError(w http.ResponseWriter, c *call, ch *models.Channel, up *providers.UpstreamError) {
	msg := up.Message()
	if json.Valid(up.Body) {
		writeRaw(w, up.StatusCode, "application/json", up.Body)
	} else {
		writeError(w, up.StatusCode, codeUpstreamError, msg)
	}
	h.logRequest(c, ch, up.StatusCode, streaming.Counts{}, billing.Charge{}, false, msg)
}

func (h *ChatHandler) writeExhausted(w http.ResponseWriter, c *call, seen, attempts int, lastErr error) {
	var (
		status = http.StatusServiceUnavailable
		code   = codeNoAvailableChannel
		msg    string
	)
	var up *providers.UpstreamError
	switch {
	case seen == 0:
		code = codeModelNotFound
		msg = fmt.Sprintf("no channel serves model %q for group %q", c.req.Model, c.token.Group)
	case attempts == 0:
		msg = "all channels for this model are unavailable"
	case errors.As(lastErr, &up) && up.StatusCode == http.StatusTooManyRequests:
		status = http.StatusTooManyRequests
		code = codeRateLimited
		msg = "upstream rate limited: " + up.Message()
		if up.RetryAfter != "" {
			w.Header().Set("Retry-After", up.RetryAfter)
		}
	default:
		msg = fmt.Sprintf("all %d upstream attempts failed", attempts)
		if lastErr != nil {
			msg += ": " + lastErr.Error()
		}
	}
	writeError(w, status, code, msg)
	h.logRequest(c, nil, status, streaming.Counts{}, billing.Charge{}, false, msg)
}

func (h *ChatHandler) respond(ctx context.Context, w http.ResponseWriter, ch *models.Channel, adaptor providers.Adaptor, mode passthrough.Mode, c *call, resp *http.Response) {
	defer resp.Body.Close()

	provider := adaptor.Name()
	if mode == passthrough.Passthrough {
		provider = "passthrough"
	}
	w.Header().Set("X-Provider", provider)
	w.Header().Set("X-Channel-Id", strconv.FormatInt(ch.ID, 10))
	if c.failover {
		w.Header().Set("X-Failover", "true")
	}

	switch {
	case mode == passthrough.Passthrough && c.req.Stream:
		h.streamPassthrough(ctx, w, ch, c, resp)
	case mode == passthrough.Passthrough:
		h.bufferedPassthrough(ctx, w, ch, c, resp)
	case c.req.Stream && adaptor.SupportsStream():
		h.stream(ctx, w, ch, adaptor, c, resp)
	default:
		h.buffered(ctx, w, ch, adaptor, c, resp)
	}
}

// buffered reads a complete upstream response, converts it and bills it
// before anything is written. Adaptors that cannot stream are also served
// here, as a single-chunk event stream.
func (h *ChatHandler) buffered(ctx context.Context, w http.ResponseWriter, ch *models.Channel, adaptor providers.Adaptor, c *call, resp *http.Response) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		writeError(w, http.StatusBadGateway, codeUpstreamError, "failed to read upstream response")
		h.logRequest(c, ch, http.StatusBadGateway, streaming.Counts{}, billing.Charge{}, false, err.Error())
		return
	}

	out, usage := body, providers.UsageFromOpenAIBody(body)
	conv, err := adaptor.ConvertResponse(body, c.req.Model)
	switch {
	case errors.Is(err, providers.ErrNoConversion):
	case err != nil:
		log.Printf("relay: %s response from channel %d not converted: %v", adaptor.Name(), ch.ID, err)
		usage = streaming.Counts{}
	case conv.Err != nil:
		status := conv.Err.HTTPStatusCode
		if status < 400 {
			status = http.StatusBadGateway
		}
		writeRaw(w, status, "application/json", conv.Body)
		h.logRequest(c, ch, status, streaming.Counts{}, billing.Charge{}, false, conv.Err.Message)
		return
	default:
		out, usage = conv.Body, conv.Usage
	}

	charge, err := h.bill(ctx, c, ch, usage)
	if errors.Is(err, billing.ErrInsufficientQuota) {
		writeError(w, http.StatusPaymentRequired, codeInsufficientQuota, "insufficient quota for this request")
		h.logRequest(c, ch, http.StatusPaymentRequired, usage, charge, false, err.Error())
		return
	}
	setCostHeaders(w, charge)

	if c.req.Stream {
		frames, err := providers.ResponseToStream(out)
		if err != nil {
			writeError(w, http.StatusBadGateway, codeUpstreamError, err.Error())
			h.logRequest(c, ch, http.StatusBadGateway, usage, charge, false, err.Error())
			return
		}
		setSSEHeaders(w)
		w.WriteHeader(http.StatusOK)
		w.Write(frames)
		h.logRequest(c, ch, http.StatusOK, usage, charge, false, "")
		return
	}

	if h.cache != nil && json.Valid(out) {
		entry := cache.Entry{Body: out, Model: c.req.Model, ChannelID: ch.ID}
		if err := h.cache.Set(ctx, c.token.Group, c.raw, entry, h.cacheTTL); err != nil {
			log.Printf("relay: cache write failed: %v", err)
		}
	}
	w.Header().Set("X-Cache-Hit", "false")
	writeRaw(w, http.StatusOK, "application/json", out)
	h.logRequest(c, ch, http.StatusOK, usage, charge, false, "")
}

// stream forwards a converted event stream and bills whatever was counted
// when it ends, including on client disconnect.
func (h *ChatHandler) stream(ctx context.Context, w http.ResponseWriter, ch *models.Channel, adaptor providers.Adaptor, c *call, resp *http.Response) {
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	opts := adaptor.StreamOptions(c.req.Model)
	opts.OnFinish = h.finishStream(ctx, ch, c, false)
	streaming.Forward(ctx, w, resp.Body, nil, opts)
}

func (h *ChatHandler) streamPassthrough(ctx context.Context, w http.ResponseWriter, ch *models.Channel, c *call, resp *http.Response) {
	contentType := resp.Header.Get("Content-Type")
	opts := streaming.Options{Parser: streaming.ParseGemini}
	if !strings.HasPrefix(contentType, "text/event-stream") {
		opts.Split = streaming.ScanJSONArrayObjects
	}
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	opts.OnFinish = h.finishStream(ctx, ch, c, true)
	streaming.Forward(ctx, w, resp.Body, nil, opts)
}

func (h *ChatHandler) finishStream(ctx context.Context, ch *models.Channel, c *call, native bool) func(streaming.Result) {
	return func(res streaming.Result) {
		// The request context may already be cancelled.
		bctx := context.WithoutCancel(ctx)
		charge, err := h.bill(bctx, c, ch, res.Counts)
		errMsg := ""
		switch {
		case err != nil:
			errMsg = err.Error()
		case res.Err != nil:
			errMsg = res.Err.Error()
		case res.Canceled:
			errMsg = "client disconnected"
		}
		h.logRequest(c, ch, http.StatusOK, res.Counts, charge, native, errMsg)
	}
}

func (h *ChatHandler) bufferedPassthrough(ctx context.Context, w http.ResponseWriter, ch *models.Channel, c *call, resp *http.Response) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		writeError(w, http.StatusBadGateway, codeUpstreamError, "failed to read upstream response")
		h.logRequest(c, ch, http.StatusBadGateway, streaming.Counts{}, billing.Charge{}, true, err.Error())
		return
	}

	usage := passthrough.ParseGeminiUsage(body)
	charge, err := h.bill(ctx, c, ch, usage)
	if errors.Is(err, billing.ErrInsufficientQuota) {
		writeError(w, http.StatusPaymentRequired, codeInsufficientQuota, "insufficient quota for this request")
		h.logRequest(c, ch, http.StatusPaymentRequired, usage, charge, true, err.Error())
		return
	}
	setCostHeaders(w, charge)

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	writeRaw(w, http.StatusOK, contentType, body)
	h.logRequest(c, ch, http.StatusOK, usage, charge, true, "")
}

func (h *ChatHandler) serveCached(ctx context.Context, w http.ResponseWriter, c *call) bool {
	entry, err := h.cache.Get(ctx, c.token.Group, c.raw)
	if err != nil {
		log.Printf("relay: cache read failed: %v", err)
		return false
	}
	if entry == nil {
		return false
	}

	// Cache hits are free
	w.Header().Set("X-Cache-Hit", "true")
	writeRaw(w, http.StatusOK, "application/json", entry.Body)
	h.logRequest(c, &models.Channel{ID: entry.ChannelID}, http.StatusOK, streaming.Counts{}, billing.Charge{}, false, "")
	return true
}

func billingMode(tier string) billing.Mode {
	switch strings.ToLower(tier) {
	case "priority":
		return billing.ModePriority
	case "batch", "flex":
		return billing.ModeBatch
	}
	return billing.ModeStandard
}

// bill prices usage and deducts it from the token. Only
// ErrInsufficientQuota is returned; pricing failures are logged and the
// request goes unbilled.
func (h *ChatHandler) bill(ctx context.Context, c *call, ch *models.Channel, usage streaming.Counts) (billing.Charge, error) {
	if h.billing == nil {
		return billing.Charge{}, nil
	}
	u := billing.Usage{
		PromptTokens:        usage.PromptTokens,
		CompletionTokens:    usage.CompletionTokens,
		CacheReadTokens:     usage.CacheReadTokens,
		CacheCreationTokens: usage.CacheCreationTokens,
		AudioTokens:         usage.AudioTokens,
	}
	if u.Total() == 0 && u.CacheCreationTokens == 0 {
		return billing.Charge{}, nil
	}

	charge, err := h.billing.Bill(ctx, c.token.ID, c.req.Model, ch.PricingRegion, u, billingMode(c.req.ServiceTier))
	if err != nil && !errors.Is(err, billing.ErrInsufficientQuota) {
		log.Printf("billing: request %s for %s left unbilled: %v", c.requestID, c.req.Model, err)
		return billing.Charge{}, nil
	}
	return charge, err
}

func (h *ChatHandler) logRequest(c *call, ch *models.Channel, status int, usage streaming.Counts, charge billing.Charge, native bool, errMsg string) {
	if h.logs == nil {
		return
	}
	entry := &models.GatewayLog{
		RequestID:           c.requestID,
		TokenID:             c.token.ID,
		Model:               c.req.Model,
		Endpoint:            c.path,
		PromptTokens:        usage.PromptTokens,
		CompletionTokens:    usage.CompletionTokens,
		CacheReadTokens:     usage.CacheReadTokens,
		CacheCreationTokens: usage.CacheCreationTokens,
		CostNano:            charge.Nano,
		Currency:            charge.Currency,
		LatencyMs:           time.Since(c.start).Milliseconds(),
		StatusCode:          status,
		Passthrough:         native,
		FailoverUsed:        c.failover,
	}
	if ch != nil {
		entry.ChannelID = ch.ID
	}
	if errMsg != "" {
		entry.ErrorMessage = &errMsg
	}

	// Log asynchronously to avoid blocking
	go func() {
		if err := h.logs.LogRequest(context.Background(), entry); err != nil {
			log.Printf("relay: failed to write request log: %v", err)
		}
	}()
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func setCostHeaders(w http.ResponseWriter, charge billing.Charge) {
	if charge.Currency == "" {
		return
	}
	w.Header().Set("X-Cost-Nano", strconv.FormatInt(charge.Nano, 10))
	w.Header().Set("X-Cost-Currency", charge.Currency)
}

func writeRaw(w http.ResponseWriter, status int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	w.Write(body)
}
