// Package webhook receives host event deliveries: signature verification,
// payload decoding, and routing into the dispatcher and the engine.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mergebot/pkg/config"
	"mergebot/pkg/dispatch"
	"mergebot/pkg/engine"
	"mergebot/pkg/github"
	"mergebot/pkg/logx"
	"mergebot/pkg/metrics"
)

// maxPayloadBytes caps delivery bodies; the host sends at most 25 MB.
const maxPayloadBytes = 25 << 20

// Server is the webhook HTTP endpoint.
type Server struct {
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher
	pipeline   dispatch.Pipeline
	metrics    *metrics.Recorder
	logger     *logx.Logger
	mux        *http.ServeMux
}

// NewServer wires the endpoint. recorder may be nil.
func NewServer(cfg *config.Config, dispatcher *dispatch.Dispatcher, pipeline dispatch.Pipeline, recorder *metrics.Recorder) *Server {
	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		pipeline:   pipeline,
		metrics:    recorder,
		logger:     logx.NewLogger("webhook"),
		mux:        http.NewServeMux(),
	}
	s.mux.HandleFunc("/webhook", s.handleDelivery)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.Handler())
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe runs the endpoint until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.WebhookPort),
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Webhook endpoint listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK")
}

// handleDelivery processes one host delivery. Deliveries always get a 200
// once read: the host's redelivery queue cannot fix a processing failure,
// and a rejected signature gains nothing from telling the sender.
func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		s.logger.Warn("Failed to read delivery body: %v", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature")) {
		s.logger.Warn("Rejected delivery %s (%s): signature mismatch", deliveryID, event)
		w.WriteHeader(http.StatusOK)
		return
	}

	// Processing outlives the delivery connection: the host aborts slow
	// deliveries, and a cancelled context mid-cascade would fail every
	// API call after the settle delay and tear down healthy dependents.
	ctx := context.WithoutCancel(r.Context())

	start := time.Now()
	outcome := s.process(ctx, event, deliveryID, body)
	s.metrics.ObserveDelivery(event, outcome, time.Since(start).Seconds())

	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK")
}

// verifySignature checks the HMAC-SHA1 delivery signature.
func (s *Server) verifySignature(body []byte, header string) bool {
	signature, ok := strings.CutPrefix(header, "sha1=")
	if !ok {
		return false
	}
	mac := hmac.New(sha1.New, []byte(s.cfg.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

// process routes one verified delivery and returns a metrics outcome.
func (s *Server) process(ctx context.Context, event, deliveryID string, body []byte) string {
	var err error
	switch event {
	case "issue_comment":
		err = s.processComment(ctx, body)
	case "status":
		err = s.processStatus(ctx, body)
	case "check_run":
		err = s.processCheckRun(ctx, body)
	case "workflow_job":
		err = s.processWorkflowJob(ctx, body)
	default:
		s.logger.Debug("Ignoring %q delivery %s", event, deliveryID)
		return "ignored"
	}
	if err != nil {
		s.logger.Error("Delivery %s (%s) failed: %v", deliveryID, event, err)
		var clsErr *engine.Error
		if errors.As(err, &clsErr) {
			s.pipeline.ReportFailure(ctx, clsErr)
			return "rejected"
		}
		return "error"
	}
	return "ok"
}

// commentEvent is the issue_comment payload subset the bot reads. The
// issue half carries comments on plain issues too; the dispatcher decides
// by fetching the PR, since the pull_request hint is unreliable for the
// first comment on a fresh PR.
type commentEvent struct {
	Action string `json:"action"`
	Issue  struct {
		Number int `json:"number"`
	} `json:"issue"`
	Comment    github.Comment `json:"comment"`
	Repository repoPayload    `json:"repository"`
}

type repoPayload struct {
	Name  string      `json:"name"`
	Owner github.User `json:"owner"`
}

type statusEvent struct {
	SHA   string `json:"sha"`
	State string `json:"state"`
}

type checkRunEvent struct {
	Action   string `json:"action"`
	CheckRun struct {
		HeadSHA string `json:"head_sha"`
	} `json:"check_run"`
}

type workflowJobEvent struct {
	WorkflowJob struct {
		HeadSHA    string `json:"head_sha"`
		Conclusion string `json:"conclusion"`
	} `json:"workflow_job"`
}

func (s *Server) processComment(ctx context.Context, body []byte) error {
	var ev commentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return logx.Wrap(err, "failed to decode issue_comment payload")
	}
	if ev.Action != "created" {
		return nil
	}
	return s.dispatcher.HandleComment(ctx, ev.Repository.Owner.Login, ev.Repository.Name, ev.Issue.Number, ev.Comment)
}

func (s *Server) processStatus(ctx context.Context, body []byte) error {
	var ev statusEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return logx.Wrap(err, "failed to decode status payload")
	}
	// Every concrete state re-enters the pipeline: even a pending status
	// can surface a moved head or a stale entry.
	switch ev.State {
	case github.StatusStateSuccess, github.StatusStateFailure, github.StatusStateError, github.StatusStatePending:
		return s.pipeline.HandleStatusEvent(ctx, ev.SHA)
	}
	return nil
}

func (s *Server) processCheckRun(ctx context.Context, body []byte) error {
	var ev checkRunEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return logx.Wrap(err, "failed to decode check_run payload")
	}
	if ev.Action != "completed" || ev.CheckRun.HeadSHA == "" {
		return nil
	}
	return s.pipeline.HandleStatusEvent(ctx, ev.CheckRun.HeadSHA)
}

func (s *Server) processWorkflowJob(ctx context.Context, body []byte) error {
	var ev workflowJobEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return logx.Wrap(err, "failed to decode workflow_job payload")
	}
	if ev.WorkflowJob.Conclusion == "" || ev.WorkflowJob.HeadSHA == "" {
		return nil
	}
	return s.pipeline.HandleStatusEvent(ctx, ev.WorkflowJob.HeadSHA)
}
