package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/nats-io/nuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/todo-1m/taskchat/internal/app/api"
	"github.com/todo-1m/taskchat/internal/app/session"
	"github.com/todo-1m/taskchat/internal/entity"
	"github.com/todo-1m/taskchat/internal/platform/auth"
	"github.com/todo-1m/taskchat/internal/platform/env"
	"github.com/todo-1m/taskchat/internal/platform/logging"
	"github.com/todo-1m/taskchat/internal/platform/metrics"
	"go.uber.org/zap"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loadgen_http_requests_total",
		Help: "Load generator HTTP requests, by endpoint and outcome.",
	}, []string{"endpoint", "method", "status", "outcome"})

	actionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loadgen_actions_total",
		Help: "Simulated user actions, by action and outcome.",
	}, []string{"action", "outcome"})

	streamFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loadgen_stream_frames_total",
		Help: "Websocket frames received, by type.",
	}, []string{"type"})

	virtualUsersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "loadgen_virtual_users",
		Help: "Virtual users currently running actions.",
	})

	streamConnectedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "loadgen_stream_connected_users",
		Help: "Virtual users with an open websocket stream.",
	})
)

func init() {
	metrics.Default.MustRegister(requestsTotal, actionsTotal, streamFramesTotal, virtualUsersGauge, streamConnectedGauge)
}

type config struct {
	APIBase          string
	JWTSecret        string
	Users            int
	SetupConcurrency int
	ActionInterval   time.Duration
	Duration         time.Duration
	RampUp           time.Duration
	EnableStream     bool
	MetricsAddr      string
	RequestTimeout   time.Duration
}

type simulatedUser struct {
	Index       int
	ID          string
	AccessToken string
	PartnerID   string
	GroupID     string
	ChatroomID  string

	mu    sync.Mutex
	tasks []string
}

type runner struct {
	cfg    config
	runID  string
	log    *zap.Logger
	tokens auth.Manager
	client *http.Client

	requestsSuccess atomic.Int64
	requestsError   atomic.Int64
	activeVUs       atomic.Int64
	activeStreams   atomic.Int64
}

func main() {
	logger, err := logging.New(env.String("LOG_LEVEL", env.DefaultLogLevel), env.String("LOG_FORMAT", "console"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load-generator: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := config{
		APIBase:          strings.TrimRight(env.String("SYNC_API_BASE", "http://localhost:8080"), "/"),
		JWTSecret:        env.String("JWT_SECRET", "dev-insecure-change-me"),
		Users:            env.Int("LOAD_USERS", 200),
		SetupConcurrency: env.Int("LOAD_SETUP_CONCURRENCY", 25),
		ActionInterval:   env.Duration("LOAD_ACTION_INTERVAL", time.Second),
		Duration:         env.Duration("LOAD_DURATION", 5*time.Minute),
		RampUp:           env.Duration("LOAD_RAMP_UP", 30*time.Second),
		EnableStream:     env.Bool("LOAD_ENABLE_STREAM", true),
		MetricsAddr:      env.String("LOAD_METRICS_ADDR", ":8090"),
		RequestTimeout:   env.Duration("LOAD_REQUEST_TIMEOUT", 10*time.Second),
	}
	if cfg.Users%2 != 0 {
		cfg.Users++
	}
	if cfg.ActionInterval < 25*time.Millisecond {
		cfg.ActionInterval = 25 * time.Millisecond
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runMetricsServer(cfg.MetricsAddr, logger)

	r := &runner{
		cfg:    cfg,
		runID:  strings.ToLower(nuid.Next()[:8]),
		log:    logger,
		tokens: auth.NewManager(cfg.JWTSecret, cfg.Duration+time.Hour),
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
	logger.Info("starting load generator",
		zap.String("api", cfg.APIBase),
		zap.Int("users", cfg.Users),
		zap.Duration("action_interval", cfg.ActionInterval),
		zap.Duration("duration", cfg.Duration),
		zap.Bool("stream", cfg.EnableStream),
		zap.String("run_id", r.runID),
	)

	if err := r.waitForReady(ctx, 2*time.Minute); err != nil {
		logger.Fatal("sync-api not ready", zap.Error(err))
	}

	users := r.setupUsers(ctx)
	if len(users) == 0 {
		logger.Fatal("no users were set up")
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	go r.logProgress(runCtx)

	var wg sync.WaitGroup
	for _, user := range users {
		wg.Add(1)
		go func(u *simulatedUser) {
			defer wg.Done()
			r.runUser(runCtx, u)
		}(user)
	}
	wg.Wait()

	logger.Info("load generator finished",
		zap.Int64("success_requests", r.requestsSuccess.Load()),
		zap.Int64("error_requests", r.requestsError.Load()),
	)
}

func (r *runner) waitForReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.APIBase+"/readyz", nil)
		if err != nil {
			return err
		}
		resp, err := r.client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			err = fmt.Errorf("status=%d", resp.StatusCode)
		}
		lastErr = err
		time.Sleep(1200 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout")
	}
	return lastErr
}

// setupUsers mirrors every profile first, then pairs users 2k and 2k+1 into a shared
// group and a direct chat.
func (r *runner) setupUsers(ctx context.Context) []*simulatedUser {
	users := make([]*simulatedUser, r.cfg.Users)
	for i := range users {
		id := fmt.Sprintf("load-%s-%04d", r.runID, i)
		partner := fmt.Sprintf("load-%s-%04d", r.runID, i^1)
		users[i] = &simulatedUser{Index: i, ID: id, PartnerID: partner}
	}

	failed := make([]bool, len(users))
	r.parallel(users, func(u *simulatedUser) error {
		token, err := r.tokens.Sign(u.ID, u.ID+"@load.test", fmt.Sprintf("Load User %d", u.Index))
		if err != nil {
			return err
		}
		u.AccessToken = token
		_, err = r.requestJSON(ctx, u, "groups_list", http.MethodGet, "/api/v1/groups", nil, nil, http.StatusOK)
		return err
	}, failed)

	r.parallel(users, func(u *simulatedUser) error {
		if u.Index%2 != 0 || failed[u.Index^1] {
			return nil
		}
		partner := users[u.Index^1]

		var group entity.Group
		if _, err := r.requestJSON(ctx, u, "create_group", http.MethodPost, "/api/v1/groups", map[string]any{
			"name":    fmt.Sprintf("Load Pair %d", u.Index/2),
			"members": []string{partner.ID},
		}, &group, http.StatusCreated); err != nil {
			return fmt.Errorf("create group: %w", err)
		}
		var room entity.Chatroom
		if _, err := r.requestJSON(ctx, u, "start_direct", http.MethodPost, "/api/v1/chatrooms/direct", map[string]string{
			"target_id": partner.ID,
		}, &room, http.StatusOK); err != nil {
			return fmt.Errorf("start direct chat: %w", err)
		}
		u.GroupID, partner.GroupID = group.ID, group.ID
		u.ChatroomID, partner.ChatroomID = room.ID, room.ID
		return nil
	}, failed)

	out := make([]*simulatedUser, 0, len(users))
	for _, u := range users {
		if !failed[u.Index] && u.GroupID != "" {
			out = append(out, u)
		}
	}
	r.log.Info("user setup complete", zap.Int("success", len(out)), zap.Int("failed", len(users)-len(out)))
	return out
}

func (r *runner) parallel(users []*simulatedUser, fn func(*simulatedUser) error, failed []bool) {
	sem := make(chan struct{}, max(r.cfg.SetupConcurrency, 1))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, u := range users {
		if failed[u.Index] {
			continue
		}
		wg.Add(1)
		go func(u *simulatedUser) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := fn(u); err != nil {
				r.log.Warn("user setup failed", zap.String("user_id", u.ID), zap.Error(err))
				mu.Lock()
				failed[u.Index] = true
				mu.Unlock()
			}
		}(u)
	}
	wg.Wait()
}

func (r *runner) runUser(ctx context.Context, user *simulatedUser) {
	if r.cfg.RampUp > 0 {
		delay := time.Duration(float64(r.cfg.RampUp) / float64(max(r.cfg.Users, 1)) * float64(user.Index))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	if r.cfg.EnableStream {
		go r.runStreamLoop(ctx, user)
	}

	virtualUsersGauge.Inc()
	r.activeVUs.Add(1)
	defer virtualUsersGauge.Dec()
	defer r.activeVUs.Add(-1)

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(user.Index*7)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Duration(rng.Int63n(int64(r.cfg.ActionInterval)))):
	}

	ticker := time.NewTicker(r.cfg.ActionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runAction(ctx, user, rng)
		}
	}
}

func (r *runner) runAction(ctx context.Context, user *simulatedUser, rng *rand.Rand) {
	taskID, hasTask := user.randomTask(rng)

	choice := rng.Float64()
	switch {
	case !hasTask || choice < 0.40:
		r.createTask(ctx, user, rng)
	case choice < 0.60:
		r.completeTask(ctx, user, taskID)
	default:
		r.sendMessage(ctx, user, rng)
	}
}

func (r *runner) createTask(ctx context.Context, user *simulatedUser, rng *rand.Rand) {
	repeat := "none"
	if rng.Intn(4) == 0 {
		repeat = "daily"
	}
	var task entity.Task
	_, err := r.requestJSON(ctx, user, "create_task", http.MethodPost, "/api/v1/tasks", map[string]string{
		"title":       fmt.Sprintf("Load Task %d", rng.Intn(1_000_000)),
		"assigned_to": user.ID,
		"group_id":    user.GroupID,
		"repeat":      repeat,
	}, &task, http.StatusCreated)
	if err != nil {
		actionsTotal.WithLabelValues("create_task", "error").Inc()
		return
	}
	user.addTask(task.ID)
	actionsTotal.WithLabelValues("create_task", "success").Inc()
}

func (r *runner) completeTask(ctx context.Context, user *simulatedUser, taskID string) {
	_, err := r.requestJSON(ctx, user, "complete_task", http.MethodPost, "/api/v1/tasks/"+url.PathEscape(taskID)+"/complete", nil, nil, http.StatusOK)
	if err != nil {
		actionsTotal.WithLabelValues("complete_task", "error").Inc()
		return
	}
	user.removeTask(taskID)
	actionsTotal.WithLabelValues("complete_task", "success").Inc()
}

func (r *runner) sendMessage(ctx context.Context, user *simulatedUser, rng *rand.Rand) {
	_, err := r.requestJSON(ctx, user, "send_message", http.MethodPost, "/api/v1/chatrooms/"+url.PathEscape(user.ChatroomID)+"/messages", map[string]string{
		"content": fmt.Sprintf("load message %d", rng.Intn(1_000_000)),
	}, nil, http.StatusCreated)
	if err != nil {
		actionsTotal.WithLabelValues("send_message", "error").Inc()
		return
	}
	actionsTotal.WithLabelValues("send_message", "success").Inc()
}

func (r *runner) runStreamLoop(ctx context.Context, user *simulatedUser) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := r.connectAndReadStream(ctx, user)
		if err != nil && ctx.Err() == nil {
			r.log.Debug("stream reconnect", zap.String("user_id", user.ID), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(1200 * time.Millisecond):
		}
	}
}

// connectAndReadStream follows the user's task list and direct chat until the stream
// drops or ctx ends.
func (r *runner) connectAndReadStream(ctx context.Context, user *simulatedUser) error {
	streamURL := strings.Replace(r.cfg.APIBase, "http", "ws", 1) + "/api/v1/stream?token=" + url.QueryEscape(user.AccessToken)
	conn, resp, err := websocket.Dial(ctx, streamURL, nil)
	if err != nil {
		status := "0"
		if resp != nil {
			status = strconv.Itoa(resp.StatusCode)
		}
		requestsTotal.WithLabelValues("stream_open", http.MethodGet, status, "error").Inc()
		r.requestsError.Add(1)
		return err
	}
	defer conn.CloseNow()
	requestsTotal.WithLabelValues("stream_open", http.MethodGet, "101", "success").Inc()
	r.requestsSuccess.Add(1)

	streamConnectedGauge.Inc()
	r.activeStreams.Add(1)
	defer streamConnectedGauge.Dec()
	defer r.activeStreams.Add(-1)

	opens := []api.ClientFrame{
		{Op: api.OpOpen, Ref: "tasks", Query: session.Query{View: session.ViewMyTasks}},
		{Op: api.OpOpen, Ref: "chat", Query: session.Query{View: session.ViewMessages, ChatroomID: user.ChatroomID}},
	}
	for _, frame := range opens {
		if err := wsjson.Write(ctx, conn, frame); err != nil {
			return err
		}
	}

	for {
		var frame api.ServerFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				return nil
			}
			return err
		}
		streamFramesTotal.WithLabelValues(frame.Type).Inc()
		if frame.Type == api.FrameError {
			r.log.Debug("stream error frame", zap.String("user_id", user.ID), zap.String("ref", frame.Ref), zap.String("error", frame.Error))
		}
	}
}

func (r *runner) requestJSON(
	ctx context.Context,
	user *simulatedUser,
	endpoint, method, path string,
	payload any,
	out any,
	expectedStatuses ...int,
) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.cfg.APIBase+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+user.AccessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, method, "0", "error").Inc()
		r.requestsError.Add(1)
		return 0, err
	}
	defer resp.Body.Close()

	statusText := strconv.Itoa(resp.StatusCode)
	responseBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		requestsTotal.WithLabelValues(endpoint, method, statusText, "error").Inc()
		r.requestsError.Add(1)
		return resp.StatusCode, readErr
	}

	if !isExpectedStatus(resp.StatusCode, expectedStatuses) {
		requestsTotal.WithLabelValues(endpoint, method, statusText, "error").Inc()
		r.requestsError.Add(1)
		return resp.StatusCode, fmt.Errorf("unexpected status=%d body=%s", resp.StatusCode, truncate(string(responseBody), 240))
	}
	requestsTotal.WithLabelValues(endpoint, method, statusText, "success").Inc()
	r.requestsSuccess.Add(1)
	if out != nil && len(responseBody) > 0 {
		if err := json.Unmarshal(responseBody, out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (r *runner) logProgress(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.log.Info("progress",
				zap.Int64("success_requests", r.requestsSuccess.Load()),
				zap.Int64("error_requests", r.requestsError.Load()),
				zap.Int64("active_vus", r.activeVUs.Load()),
				zap.Int64("active_streams", r.activeStreams.Load()),
			)
		}
	}
}

func runMetricsServer(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.DefaultHandler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info("load generator metrics endpoint listening", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("load generator metrics server failed", zap.Error(err))
	}
}

func (u *simulatedUser) addTask(taskID string) {
	if strings.TrimSpace(taskID) == "" {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tasks = append(u.tasks, taskID)
}

func (u *simulatedUser) randomTask(rng *rand.Rand) (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.tasks) == 0 {
		return "", false
	}
	return u.tasks[rng.Intn(len(u.tasks))], true
}

func (u *simulatedUser) removeTask(taskID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for idx, existing := range u.tasks {
		if existing != taskID {
			continue
		}
		u.tasks[idx] = u.tasks[len(u.tasks)-1]
		u.tasks = u.tasks[:len(u.tasks)-1]
		return
	}
}

func isExpectedStatus(status int, expected []int) bool {
	for _, candidate := range expected {
		if status == candidate {
			return true
		}
	}
	return false
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max] + "..."
}
