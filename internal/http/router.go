package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/events"
	"github.com/splax/localvercel/internal/remote"
	"github.com/splax/localvercel/internal/repository"
	"github.com/splax/localvercel/internal/service/admission"
	"github.com/splax/localvercel/internal/service/preview"
	"github.com/splax/localvercel/internal/service/proxy"
	"github.com/splax/localvercel/internal/service/webhook"
	"github.com/splax/localvercel/internal/ws"
)

// Webhooks validates and handles provider events.
type Webhooks interface {
	CheckSignature(payload []byte, provided string) error
	HandlePush(ctx context.Context, evt webhook.PushEvent) ([]webhook.Outcome, error)
	HandleMergeRequest(ctx context.Context, evt webhook.MergeRequestEvent) ([]webhook.Outcome, error)
}

// Admitter enqueues manual deployments.
type Admitter interface {
	Enqueue(ctx context.Context, req admission.Request) (admission.Result, error)
}

// PreviewCleaner runs the preview cleanup sequence.
type PreviewCleaner interface {
	Cleanup(ctx context.Context, app *domain.Application, pullRequestID int, env *domain.PreviewEnvironment) (preview.Result, error)
}

// ProxyController drives a server's reverse proxy.
type ProxyController interface {
	State(ctx context.Context, serverID string) (domain.ProxyState, error)
	Start(ctx context.Context, serverID string, force bool) error
	Stop(ctx context.Context, serverID string, opts proxy.StopOptions) error
	Restart(ctx context.Context, serverID string) error
}

// Services groups the collaborators the router dispatches to.
type Services struct {
	Webhooks    Webhooks
	Admission   Admitter
	Previews    PreviewCleaner
	Proxy       ProxyController
	Targets     repository.TargetRepository
	Deployments repository.DeploymentRepository
	Hub         *ws.Hub
	DBHealth    func(context.Context) error
}

// Options tune limits and authentication.
type Options struct {
	// APIToken guards operator endpoints; empty leaves them open.
	APIToken         string
	WebhookRateLimit int

	// RepositoryRateLimit caps webhook deliveries per repository per minute.
	RepositoryRateLimit int
	RetryAfter          time.Duration
	Registerer          prometheus.Registerer
	Gatherer            prometheus.Gatherer
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	svc        Services
	upgrader   websocket.Upgrader
	limiter    RateLimiter
	apiToken   string
	webhookCap int
	repoCap    int
	retryAfter time.Duration
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	metrics    *routerMetrics
}

const (
	rateWindowDefault   = time.Minute
	rateWindowRealtime  = 30 * time.Second
	rateLimitOperator   = 60
	rateLimitRead       = 240
	rateLimitWebsocket  = 30
	defaultWebhookLimit = 120
	defaultRepoLimit    = 30
	defaultRetryAfter   = time.Minute
	healthCheckTimeout  = 2 * time.Second
	maxWebhookBody      = 5 << 20
	sseHeartbeat        = 15 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, svc Services, limiter RateLimiter, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		svc:    svc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:    limiter,
		apiToken:   strings.TrimSpace(opts.APIToken),
		webhookCap: opts.WebhookRateLimit,
		repoCap:    opts.RepositoryRateLimit,
		retryAfter: opts.RetryAfter,
		registerer: opts.Registerer,
		gatherer:   opts.Gatherer,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.webhookCap <= 0 {
		r.webhookCap = defaultWebhookLimit
	}
	if r.repoCap <= 0 {
		r.repoCap = defaultRepoLimit
	}
	if r.retryAfter <= 0 {
		r.retryAfter = defaultRetryAfter
	}
	if r.registerer == nil {
		r.registerer = prometheus.DefaultRegisterer
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	r.metrics = newRouterMetrics(r.registerer)
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	webhooks := rateRule{class: classWebhook, limit: r.webhookCap, window: rateWindowDefault}
	r.mux.HandleFunc("/webhook/push", r.audit("/webhook/push", r.withRateLimit(webhooks, r.handlePushWebhook)))
	r.mux.HandleFunc("/webhook/merge-request", r.audit("/webhook/merge-request", r.withRateLimit(webhooks, r.handleMergeRequestWebhook)))
	r.mux.HandleFunc("/deploy/", r.audit("/deploy", r.operator("/deploy", rateLimitOperator, r.handleDeploy)))
	r.mux.HandleFunc("/previews/", r.audit("/previews", r.operator("/previews", rateLimitOperator, r.handlePreviewCleanup)))
	r.mux.HandleFunc("/servers/", r.audit("/servers", r.operator("/servers", rateLimitOperator, r.handleServers)))
	r.mux.HandleFunc("/deployments/", r.audit("/deployments", r.operator("/deployments", rateLimitRead, r.handleDeploymentLogs)))
	r.mux.HandleFunc("/ws/status", r.audit("/ws/status", r.operator("/ws/status", rateLimitWebsocket, r.handleStatusWS)))
	r.mux.HandleFunc("/events/status", r.audit("/events/status", r.operator("/events/status", rateLimitWebsocket, r.handleStatusSSE)))
}

func (r *Router) operator(route string, limit int, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !r.verifyAPIToken(w, req) {
			return
		}
		rule := rateRule{class: classOperator, limit: limit, window: rateWindowDefault}
		if route == "/ws/status" || route == "/events/status" {
			rule = rateRule{class: classRealtime, limit: limit, window: rateWindowRealtime}
		}
		r.withRateLimit(rule, next)(w, req)
	}
}

// allowRepository applies the per-repository webhook budget, so one noisy
// repository cannot starve the others sharing a sender address.
func (r *Router) allowRepository(w http.ResponseWriter, req *http.Request, repository string) bool {
	rule := rateRule{class: classWebhook, limit: r.repoCap, window: rateWindowDefault}
	return r.allow(w, req, rule, "repository", repositorySubject(repository))
}

func (r *Router) readSignedBody(w http.ResponseWriter, req *http.Request) ([]byte, bool) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return nil, false
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return nil, false
	}
	if err := r.svc.Webhooks.CheckSignature(body, req.Header.Get("X-Webhook-Signature")); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return nil, false
	}
	return body, true
}

func (r *Router) handlePushWebhook(w http.ResponseWriter, req *http.Request) {
	body, ok := r.readSignedBody(w, req)
	if !ok {
		return
	}
	var evt webhook.PushEvent
	if err := json.Unmarshal(body, &evt); err != nil || evt.Repository == "" || evt.Branch == "" {
		writeError(w, http.StatusBadRequest, "repository and branch are required")
		return
	}
	if !r.allowRepository(w, req, evt.Repository) {
		return
	}
	outcomes, err := r.svc.Webhooks.HandlePush(req.Context(), evt)
	r.writeOutcomes(w, "push", outcomes, err)
}

func (r *Router) handleMergeRequestWebhook(w http.ResponseWriter, req *http.Request) {
	body, ok := r.readSignedBody(w, req)
	if !ok {
		return
	}
	var evt webhook.MergeRequestEvent
	if err := json.Unmarshal(body, &evt); err != nil || evt.Repository == "" || evt.PullRequestID <= 0 {
		writeError(w, http.StatusBadRequest, "repository and pull_request_id are required")
		return
	}
	if !r.allowRepository(w, req, evt.Repository) {
		return
	}
	outcomes, err := r.svc.Webhooks.HandleMergeRequest(req.Context(), evt)
	r.writeOutcomes(w, "merge_request", outcomes, err)
}

func (r *Router) writeOutcomes(w http.ResponseWriter, event string, outcomes []webhook.Outcome, err error) {
	if err != nil {
		r.logger.Error("webhook handling failed", "error", err)
		writeError(w, http.StatusInternalServerError, "webhook handling failed")
		return
	}
	if outcomes == nil {
		outcomes = []webhook.Outcome{}
	}
	r.recordWebhookOutcomes(event, outcomes)
	if webhook.AnyQueueFull(outcomes) {
		r.setRetryAfter(w)
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"outcomes": outcomes})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"outcomes": outcomes})
}

func (r *Router) setRetryAfter(w http.ResponseWriter) {
	w.Header().Set("Retry-After", strconv.Itoa(int(r.retryAfter/time.Second)))
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.TrimPrefix(req.URL.Path, "/deploy/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	kind := domain.TargetKind(parts[0])
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown target kind")
		return
	}
	var payload struct {
		Commit        string `json:"commit"`
		PullRequestID int    `json:"pull_request_id"`
		ForceRebuild  bool   `json:"force_rebuild"`
		RestartOnly   bool   `json:"restart_only"`
	}
	if req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if payload.PullRequestID < 0 {
		writeError(w, http.StatusBadRequest, "pull_request_id must not be negative")
		return
	}
	target, err := r.svc.Targets.GetTarget(req.Context(), domain.TargetRef{Kind: kind, ID: parts[1]})
	if err != nil {
		r.writeLookupError(w, err, "target")
		return
	}
	res, err := r.svc.Admission.Enqueue(req.Context(), admission.Request{
		Target:        target,
		PullRequestID: payload.PullRequestID,
		CommitRef:     payload.Commit,
		ForceRebuild:  payload.ForceRebuild,
		RestartOnly:   payload.RestartOnly,
	})
	if err != nil {
		r.logger.Error("enqueue deployment failed", "target_id", parts[1], "error", err)
		writeError(w, http.StatusInternalServerError, "deployment could not be queued")
		return
	}
	body := map[string]any{
		"status":        res.Status,
		"deployment_id": res.DeploymentID,
		"message":       res.Message,
	}
	switch res.Status {
	case admission.OutcomeQueueFull:
		r.setRetryAfter(w)
		writeJSON(w, http.StatusTooManyRequests, body)
	case admission.OutcomeSkipped:
		writeJSON(w, http.StatusOK, body)
	default:
		writeJSON(w, http.StatusAccepted, body)
	}
}

func (r *Router) handlePreviewCleanup(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.TrimPrefix(req.URL.Path, "/previews/"), "/")
	if len(parts) != 3 || parts[0] == "" || parts[2] != "cleanup" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	pr, err := strconv.Atoi(parts[1])
	if err != nil || pr <= 0 {
		writeError(w, http.StatusBadRequest, "invalid pull request id")
		return
	}
	target, err := r.svc.Targets.GetTarget(req.Context(), domain.TargetRef{Kind: domain.KindApplication, ID: parts[0]})
	if err != nil {
		r.writeLookupError(w, err, "application")
		return
	}
	app, ok := target.(*domain.Application)
	if !ok {
		r.notFound(w)
		return
	}
	res, err := r.svc.Previews.Cleanup(req.Context(), app, pr, nil)
	if err != nil {
		r.logger.Error("preview cleanup failed", "target_id", app.ID, "pull_request_id", pr, "error", err)
		writeError(w, http.StatusInternalServerError, "preview cleanup failed")
		return
	}
	code := http.StatusOK
	if res.Status != preview.StatusSuccess {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

func (r *Router) handleServers(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.TrimPrefix(req.URL.Path, "/servers/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] != "proxy" || len(parts) > 3 {
		r.notFound(w)
		return
	}
	serverID := parts[0]
	if len(parts) == 2 {
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		r.writeProxyState(w, req, serverID)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var err error
	switch parts[2] {
	case "start":
		err = r.svc.Proxy.Start(req.Context(), serverID, req.URL.Query().Get("force") == "1")
	case "stop":
		var payload struct {
			ForceStop      *bool `json:"force_stop"`
			TimeoutSeconds int   `json:"timeout_seconds"`
		}
		if req.ContentLength != 0 {
			if derr := json.NewDecoder(req.Body).Decode(&payload); derr != nil && !errors.Is(derr, io.EOF) {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
		}
		opts := proxy.StopOptions{ForceStop: true, Timeout: time.Duration(payload.TimeoutSeconds) * time.Second}
		if payload.ForceStop != nil {
			opts.ForceStop = *payload.ForceStop
		}
		err = r.svc.Proxy.Stop(req.Context(), serverID, opts)
	case "restart":
		err = r.svc.Proxy.Restart(req.Context(), serverID)
	default:
		r.notFound(w)
		return
	}
	if err != nil {
		r.writeProxyError(w, serverID, err)
		return
	}
	r.writeProxyState(w, req, serverID)
}

func (r *Router) writeProxyState(w http.ResponseWriter, req *http.Request, serverID string) {
	state, err := r.svc.Proxy.State(req.Context(), serverID)
	if err != nil {
		r.writeProxyError(w, serverID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"server_id":  state.ServerID,
		"type":       state.Type,
		"status":     state.Status,
		"force_stop": state.ForceStop,
		"version":    state.Version,
	})
}

func (r *Router) writeProxyError(w http.ResponseWriter, serverID string, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "server not found")
	case errors.Is(err, proxy.ErrProxyDisabled):
		writeError(w, http.StatusConflict, "proxy is disabled for this server")
	case errors.Is(err, remote.ErrNotFunctional):
		writeError(w, http.StatusServiceUnavailable, "server is not functional")
	default:
		r.logger.Error("proxy operation failed", "server_id", serverID, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (r *Router) handleDeploymentLogs(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "logs" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deployment, err := r.svc.Deployments.GetDeployment(req.Context(), parts[0])
	if err != nil {
		r.writeLookupError(w, err, "deployment")
		return
	}
	onlyOutput := req.URL.Query().Get("only_output") == "1"
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Deployment-Status", string(deployment.Status))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, deployment.ExportLogs(onlyOutput))
}

func (r *Router) handleStatusWS(w http.ResponseWriter, req *http.Request) {
	if r.svc.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "status stream unavailable")
		return
	}
	topic := statusTopic(req)
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.svc.Hub.Register(topic, client)
	go func() {
		defer func() {
			r.svc.Hub.Unregister(topic, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// handleStatusSSE streams the same events as handleStatusWS for clients
// that cannot hold a websocket.
func (r *Router) handleStatusSSE(w http.ResponseWriter, req *http.Request) {
	if r.svc.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "status stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	topic := statusTopic(req)
	client := ws.NewSSEClient(w, flusher, r.logger)
	r.svc.Hub.Register(topic, client)
	defer func() {
		r.svc.Hub.Unregister(topic, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func statusTopic(req *http.Request) string {
	q := req.URL.Query()
	switch {
	case q.Get("target_id") != "":
		return events.TargetTopic(q.Get("target_id"))
	case q.Get("server_id") != "":
		return events.ServerTopic(q.Get("server_id"))
	}
	return ws.Firehose
}

func (r *Router) writeLookupError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	r.logger.Error("lookup failed", "entity", what, "error", err)
	writeError(w, http.StatusInternalServerError, "lookup failed")
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.svc.DBHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.svc.DBHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)
		actor := "operator"
		if strings.HasPrefix(req.URL.Path, "/webhook/") {
			actor = "webhook"
		}
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"actor", actor,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

// verifyAPIToken checks the operator token when one is configured.
func (r *Router) verifyAPIToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.apiToken
	if expected == "" {
		return true
	}
	token := strings.TrimSpace(strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer "))
	if token == "" {
		token = strings.TrimSpace(req.URL.Query().Get("token"))
	}
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("api token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid api token")
		return false
	}
	return true
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
