// Package app wires the controller's components from a loaded
// config.Config: the forge and tracker clients, the shared-or-in-memory
// store, the task executor, both pipelines, the webhook HTTP handler, and
// the background pollers. App is constructed once at startup and exposes
// explicit Run/Shutdown methods since a standalone binary has no host
// process to drive its lifecycle for it.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/forgeagent/controller/internal/agent/byok"
	"github.com/forgeagent/controller/internal/config"
	"github.com/forgeagent/controller/internal/events"
	"github.com/forgeagent/controller/internal/executor"
	"github.com/forgeagent/controller/internal/executor/inprocess"
	"github.com/forgeagent/controller/internal/executor/isolated"
	"github.com/forgeagent/controller/internal/executor/k8sworker"
	"github.com/forgeagent/controller/internal/forge"
	"github.com/forgeagent/controller/internal/logging"
	"github.com/forgeagent/controller/internal/metrics"
	"github.com/forgeagent/controller/internal/pipeline"
	"github.com/forgeagent/controller/internal/poller"
	"github.com/forgeagent/controller/internal/store"
	"github.com/forgeagent/controller/internal/store/memstore"
	"github.com/forgeagent/controller/internal/store/redisstore"
	"github.com/forgeagent/controller/internal/tracker"
	"github.com/forgeagent/controller/internal/webhook"
)

// backgroundPoller is the narrow surface App needs to start and run a
// poller; poller.ForgePoller and poller.TrackerPoller both satisfy it.
type backgroundPoller interface {
	Run(ctx context.Context)
	Status() poller.Status
}

// App bundles every constructed component plus the background goroutines
// that keep running once Run starts.
type App struct {
	cfg *config.Config
	log *slog.Logger

	store    store.Store
	forge    forge.Client
	tracker  tracker.Client
	review   *pipeline.ReviewPipeline
	coding   *pipeline.CodingPipeline
	webhook  *webhook.Handler
	server   *http.Server
	pollers  []backgroundPoller
	wg       sync.WaitGroup
	cancelFn context.CancelFunc
}

// New constructs every component described by cfg but starts nothing.
func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}

	forgeClient, err := forge.New(cfg.GitLabBaseURL, cfg.GitLabToken)
	if err != nil {
		return nil, fmt.Errorf("construct forge client: %w", err)
	}
	a.forge = forgeClient

	if cfg.Tracker != nil {
		a.tracker = tracker.New(cfg.Tracker.BaseURL, cfg.Tracker.Email, cfg.Tracker.APIToken)
	}

	switch cfg.StateBackend {
	case config.StateBackendShared:
		redisBacked, err := redisstore.New(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("construct redis store: %w", err)
		}
		a.store = redisBacked
	default:
		a.store = memstore.New()
	}

	exec, err := a.buildExecutor()
	if err != nil {
		return nil, err
	}

	a.review = &pipeline.ReviewPipeline{
		Forge:        a.forge,
		Store:        a.store,
		Executor:     exec,
		GitToken:     cfg.GitLabToken,
		AllowHTTP:    cfg.GitAllowHTTP,
		AgentTimeout: cfg.AgentTimeout,
	}
	a.coding = &pipeline.CodingPipeline{
		Forge:        a.forge,
		Tracker:      a.tracker,
		Store:        a.store,
		Executor:     exec,
		GitToken:     cfg.GitLabToken,
		AllowHTTP:    cfg.GitAllowHTTP,
		AgentTimeout: cfg.AgentTimeout,
	}
	if cfg.Tracker != nil {
		a.coding.InReviewStatus = cfg.Tracker.InReviewStatus
	}

	a.webhook = &webhook.Handler{
		Secret:        cfg.WebhookSecret,
		CommandPrefix: cfg.CommandPrefix,
		AgentIdentity: cfg.AgentIdentity,
		Allowlist:     cfg.ProjectAllowlistSet(),
		Dispatch:      webhook.DispatchFunc(a.dispatch),
	}

	if cfg.PollerEnabled {
		if err := a.buildPollers(); err != nil {
			return nil, err
		}
	}

	router := mux.NewRouter()
	router.Handle("/webhook", a.webhook).Methods(http.MethodPost)
	router.HandleFunc("/health", a.handleHealthz).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	a.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

func (a *App) buildExecutor() (executor.Executor, error) {
	switch a.cfg.ExecutorMode {
	case config.ExecutorIsolated:
		if a.cfg.WorkerImage == "" {
			return nil, fmt.Errorf("isolated executor requires a worker image")
		}
		clientset, err := buildKubeClient()
		if err != nil {
			return nil, fmt.Errorf("construct kubernetes client: %w", err)
		}
		isolatedCfg := isolated.Config{
			Namespace:       a.cfg.WorkerNamespace,
			Image:           a.cfg.WorkerImage,
			CPULimit:        a.cfg.WorkerCPULimit,
			MemLimit:        a.cfg.WorkerMemLimit,
			SecretRefs:      splitRefs(a.cfg.WorkerSecretRefs),
			ConfigMapRefs:   splitRefs(a.cfg.WorkerConfigMapRefs),
			TTLAfterSeconds: 3600,
			WaitTimeout:     a.cfg.WorkerTimeout,
			ForgeBaseURL:    a.cfg.GitLabBaseURL,
			RedisURL:        a.cfg.RedisURL,
		}
		// a.store satisfies store.ResultStore directly; store.Store embeds it.
		return isolated.New(k8sworker.New(clientset), a.store, isolatedCfg), nil

	default:
		runner := byok.New(a.cfg.AgentBaseURL, a.cfg.AgentAPIKey, a.cfg.AgentModel)
		return inprocess.New(runner), nil
	}
}

// buildKubeClient prefers in-cluster configuration (the isolated executor
// runs as a workload in the same cluster it schedules Jobs into) and falls
// back to the default kubeconfig loading rules for local testing.
func buildKubeClient() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		credentials, loadErr := rules.Load()
		if loadErr != nil {
			return nil, fmt.Errorf("load kubeconfig: %w", loadErr)
		}
		cfg, err = clientcmd.NewDefaultClientConfig(*credentials, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("build client config: %w", err)
		}
	}
	return kubernetes.NewForConfig(cfg)
}

func (a *App) buildPollers() error {
	cloneURLs, err := a.cfg.ProjectCloneURLMap()
	if err != nil {
		return err
	}
	if len(cloneURLs) > 0 {
		projects := make([]poller.Project, 0, len(cloneURLs))
		for id, url := range cloneURLs {
			projects = append(projects, poller.Project{ID: fmt.Sprintf("%d", id), CloneURL: url})
		}
		a.pollers = append(a.pollers, &poller.ForgePoller{
			Forge:         a.forge,
			Store:         a.store,
			Review:        a.review,
			Coding:        a.coding,
			Projects:      projects,
			CommandPrefix: a.cfg.CommandPrefix,
			AgentIdentity: a.cfg.AgentIdentity,
			Interval:      a.cfg.PollerInterval,
			Lookback:      a.cfg.PollerLookback,
			MaxBackoff:    a.cfg.PollerMaxBackoff,
		})
	}

	if a.cfg.Tracker != nil {
		a.pollers = append(a.pollers, &poller.TrackerPoller{
			Tracker:          a.tracker,
			Store:            a.store,
			Coding:           a.coding,
			ProjectKeys:      a.cfg.Tracker.ProjectKeyList(),
			TriggerStatus:    a.cfg.Tracker.TriggerStatus,
			InProgressStatus: a.cfg.Tracker.InProgressStatus,
			GitLabProjectID:  a.cfg.Tracker.GitLabProjectID,
			GitLabCloneURL:   a.cfg.Tracker.GitLabCloneURL,
			TargetBranch:     a.cfg.Tracker.TargetBranch,
			Interval:         a.cfg.PollerInterval,
			MaxBackoff:       a.cfg.PollerMaxBackoff,
		})
	}
	return nil
}

// dispatch routes a webhook-sourced event to its pipeline in a background
// goroutine; the webhook handler must never block the HTTP response on
// pipeline work that may clone a repository and call out to an LLM.
func (a *App) dispatch(_ context.Context, ev events.Event) {
	runCtx := logging.WithLogger(context.Background(), a.log)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				metrics.WebhookErrorsTotal.WithLabelValues(string(ev.Kind)).Inc()
				a.log.Error("webhook-dispatched pipeline panicked", "kind", ev.Kind, "panic", r)
			}
		}()
		var err error
		switch ev.Kind {
		case events.KindMRReview:
			err = a.review.Run(runCtx, &ev)
		case events.KindMRCopilotCommand, events.KindJiraCoding:
			err = a.coding.Run(runCtx, &ev)
		default:
			a.log.Error("dispatch received event of unknown kind", "kind", ev.Kind)
			return
		}
		if err != nil {
			metrics.WebhookErrorsTotal.WithLabelValues(string(ev.Kind)).Inc()
			a.log.Error("webhook-dispatched pipeline run failed", "kind", ev.Kind, "error", err)
		}
	}()
}

type pollerStatus struct {
	Running  bool   `json:"running"`
	Failures int    `json:"failures"`
	Cursor   string `json:"cursor,omitempty"`
}

type healthzResponse struct {
	Status string        `json:"status"`
	Poller *pollerStatus `json:"poller,omitempty"`
}

// handleHealthz reports process liveness plus an aggregate snapshot of every
// configured poller: running if any of them are, failures summed across
// them, and the oldest (least advanced) watermark among the ones that track
// one.
func (a *App) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthzResponse{Status: "ok"}
	if len(a.pollers) > 0 {
		agg := pollerStatus{}
		var cursor time.Time
		for _, p := range a.pollers {
			st := p.Status()
			if st.Running {
				agg.Running = true
			}
			agg.Failures += st.Failures
			if !st.Cursor.IsZero() && (cursor.IsZero() || st.Cursor.Before(cursor)) {
				cursor = st.Cursor
			}
		}
		if !cursor.IsZero() {
			agg.Cursor = cursor.UTC().Format(time.RFC3339)
		}
		resp.Poller = &agg
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.log.Error("failed to encode /health response", "error", err)
	}
}

// Run starts the HTTP server and any configured pollers, and blocks until
// ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancelFn = cancel

	for _, p := range a.pollers {
		p := p
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			p.Run(ctx)
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		a.log.Info("controller listening", "addr", a.cfg.ListenAddr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			cancel()
			return err
		}
	}
	return a.Shutdown(context.Background())
}

// Shutdown stops accepting new HTTP requests, waits for in-flight pipeline
// goroutines and poller loops to finish, and releases everything they hold
// (repo locks via their own deferred Release calls, temp clones via their
// own deferred RemoveAll calls).
func (a *App) Shutdown(ctx context.Context) error {
	if a.cancelFn != nil {
		a.cancelFn()
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http server shutdown did not complete cleanly", "error", err)
	}
	a.wg.Wait()
	return nil
}

// splitRefs parses the comma-separated WorkerSecretRefs/WorkerConfigMapRefs
// fields, which stay plain strings on Config since this is their only
// consumer.
func splitRefs(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
