// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package webhook implements the VerneMQ webhook authorization plugin's
// HTTP contract. The broker POSTs one JSON document per hook, naming the hook
// in the "vernemq-hook" header, and expects {"result":"ok"} or
// {"result":{"error":"not_allowed"}} back.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/turtacn/emqx-bench/pkg/auth"
)

// HookHeader names the header carrying the hook name.
const HookHeader = "vernemq-hook"

// Hook names handled by Handler. Any other hook is allowed.
const (
	HookAuthOnRegister    = "auth_on_register"
	HookAuthOnRegisterM5  = "auth_on_register_m5"
	HookAuthOnSubscribe   = "auth_on_subscribe"
	HookAuthOnSubscribeM5 = "auth_on_subscribe_m5"
	HookAuthOnPublish     = "auth_on_publish"
	HookAuthOnPublishM5   = "auth_on_publish_m5"
	maxBodySize           = 1 << 20
	notAllowed            = "not_allowed"
)

// Response is the body returned for every hook.
type Response struct {
	Result any `json:"result"`
}

type hookError struct {
	Error string `json:"error"`
}

var (
	respOK     = Response{Result: "ok"}
	respDenied = Response{Result: hookError{Error: notAllowed}}
)

// registerRequest is the body of auth_on_register[_m5]. Pointers tell a
// missing or null field from an empty one.
type registerRequest struct {
	PeerAddr   string  `json:"peer_addr"`
	PeerPort   int     `json:"peer_port"`
	Mountpoint string  `json:"mountpoint"`
	ClientID   string  `json:"client_id"`
	Username   *string `json:"username"`
	Password   *string `json:"password"`
}

type topicRequest struct {
	Topic string `json:"topic"`
	QoS   int    `json:"qos"`
}

type subscribeRequest struct {
	Username string         `json:"username"`
	ClientID string         `json:"client_id"`
	Topics   []topicRequest `json:"topics"`
}

type publishRequest struct {
	Username string `json:"username"`
	ClientID string `json:"client_id"`
	Topic    string `json:"topic"`
	QoS      int    `json:"qos"`
}

// Authorizer decides topic access for the subscribe and publish hooks.
type Authorizer interface {
	Authorize(ctx context.Context, username, topic string, action auth.Action) bool
}

// Handler serves the webhook. A nil chain accepts every client that
// presents a username and password; a nil authorizer allows every topic.
type Handler struct {
	chain  *auth.AuthChain
	authz  Authorizer
	logger *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(chain *auth.AuthChain, authz Authorizer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{chain: chain, authz: authz, logger: logger.With(zap.String("component", "webhook"))}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hook := r.Header.Get(HookHeader)
	if hook == "" {
		hook = "[NONE]"
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.logger.Warn("failed to read request body", zap.String("hook", hook), zap.Error(err))
		body = nil
	}
	h.logger.Debug("received hook", zap.String("path", r.URL.Path), zap.String("hook", hook), zap.Int("bytes", len(body)))

	var resp Response
	switch hook {
	case HookAuthOnRegister, HookAuthOnRegisterM5:
		resp = h.onRegister(body)
	case HookAuthOnSubscribe, HookAuthOnSubscribeM5:
		resp = h.onSubscribe(r.Context(), body)
	case HookAuthOnPublish, HookAuthOnPublishM5:
		resp = h.onPublish(r.Context(), body)
	default:
		resp = respOK
	}
	writeJSON(w, resp)
}

// decode fills v from body. Malformed or empty bodies leave v zero, the
// same as an empty JSON object.
func decode(body []byte, v any) {
	if len(body) == 0 {
		return
	}
	_ = json.Unmarshal(body, v)
}

func (h *Handler) onRegister(body []byte) Response {
	var req registerRequest
	decode(body, &req)

	if req.Username == nil || req.Password == nil || *req.Username == "" || *req.Password == "" {
		h.logger.Info("client registration denied: missing credentials", zap.String("client_id", req.ClientID))
		return respDenied
	}
	if h.chain != nil && !h.chain.Allow(*req.Username, *req.Password) {
		h.logger.Info("client registration denied", zap.String("client_id", req.ClientID), zap.String("username", *req.Username))
		return respDenied
	}
	h.logger.Debug("client registered", zap.String("client_id", req.ClientID), zap.String("username", *req.Username))
	return respOK
}

func (h *Handler) onSubscribe(ctx context.Context, body []byte) Response {
	var req subscribeRequest
	decode(body, &req)
	if h.authz == nil {
		return respOK
	}
	for _, t := range req.Topics {
		if !h.authz.Authorize(ctx, req.Username, t.Topic, auth.ActionSubscribe) {
			h.logger.Info("subscription denied", zap.String("username", req.Username), zap.String("topic", t.Topic))
			return respDenied
		}
	}
	return respOK
}

func (h *Handler) onPublish(ctx context.Context, body []byte) Response {
	var req publishRequest
	decode(body, &req)
	if h.authz == nil {
		return respOK
	}
	if !h.authz.Authorize(ctx, req.Username, req.Topic, auth.ActionPublish) {
		h.logger.Info("publish denied", zap.String("username", req.Username), zap.String("topic", req.Topic))
		return respDenied
	}
	return respOK
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode JSON", http.StatusInternalServerError)
	}
}

// Serve listens on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("webhook server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
