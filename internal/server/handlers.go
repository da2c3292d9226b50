package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/xeipuuv/gojsonschema"

	"github.com/luciuslab/concierge/internal/config"
	"github.com/luciuslab/concierge/internal/faults"
	"github.com/luciuslab/concierge/pkg/authflow"
	"github.com/luciuslab/concierge/pkg/dispatch"
	"github.com/luciuslab/concierge/pkg/registry"
)

const identityCookie = "concierge_uid"

const maxBodyBytes = 1 << 20

// ensureIdentity resolves the caller's session, issuing the identity
// cookie on first contact.
func (s *Server) ensureIdentity(w http.ResponseWriter, r *http.Request) (registry.Session, error) {
	userHash := ""
	if cookie, err := r.Cookie(identityCookie); err == nil && cookie.Value != "" {
		userHash = cookie.Value
	}

	if userHash == "" {
		id, err := gonanoid.New()
		if err != nil {
			return registry.Session{}, err
		}
		userHash = id
	}

	sess, created, err := s.sessions.EnsureSession(r.Context(), userHash)
	if err != nil {
		return registry.Session{}, err
	}
	if created {
		s.logger.Info().Str("sessionKey", sess.Key).Msg("New session issued")
	}

	http.SetCookie(w, &http.Cookie{
		Name:     identityCookie,
		Value:    userHash,
		Path:     "/",
		MaxAge:   s.cfg.CookieMaxAge,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	return sess, nil
}

// handleAgent accepts {"query": "..."} and runs it through the
// dispatcher under the caller's session.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.shuttingDown() {
		s.writeError(w, faults.New(faults.CodeShuttingDown, "server is shutting down"))
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, faults.New(faults.CodeInvalidInput, "failed to read request body"))
		return
	}

	result, err := s.agentSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil || !result.Valid() {
		msg := "request body does not match schema"
		if err == nil && len(result.Errors()) > 0 {
			msg = result.Errors()[0].String()
		}
		s.writeError(w, faults.New(faults.CodeInvalidInput, msg))
		return
	}

	var payload struct {
		Query        string   `json:"query"`
		ServiceHints []string `json:"serviceHints"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		s.writeError(w, faults.New(faults.CodeInvalidInput, "invalid JSON body"))
		return
	}

	sess, err := s.ensureIdentity(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	_ = s.sessions.Touch(r.Context(), sess.Key)

	if err := s.requireServiceAuthorization(sess, payload.ServiceHints); err != nil {
		s.writeError(w, err)
		return
	}

	resp, err := s.dispatcher.Execute(r.Context(), dispatch.Request{
		SessionKey:   sess.Key,
		Prompt:       appendSessionContext(payload.Query, sess, payload.ServiceHints),
		ServiceHints: payload.ServiceHints,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_id": resp.RequestID,
		"response":   resp.Result.Response,
	})
}

// appendSessionContext adds the routing hints tool servers key off.
func appendSessionContext(query string, sess registry.Session, hints []string) string {
	out := fmt.Sprintf("%s\n\nContext:\nuserIDHash: %s", query, sess.UserHash)
	if len(hints) > 0 {
		out += "\nserviceHints: " + strings.Join(hints, ", ")
	}
	return out
}

// requireServiceAuthorization rejects a request whose hinted services
// have no usable stored credentials, so the caller can prompt for
// consent before any agent work starts. Hints that are not configured
// authorization services pass through untouched.
func (s *Server) requireServiceAuthorization(sess registry.Session, hints []string) error {
	for _, hint := range hints {
		svc, ok := s.authService(hint)
		if !ok {
			continue
		}
		marker, ok := authflow.ReadMarker(authflow.MarkerPath(svc.MarkerDir, sess.Key, hint))
		if !ok {
			return faults.Newf(faults.CodeAuthRequired, "authorization required for %s", hint)
		}
		if marker.Expired(time.Now()) {
			return faults.Newf(faults.CodeAuthRequired, "credentials for %s have expired", hint)
		}
	}
	return nil
}

// handleAuthRoutes dispatches /auth/{service} and /auth/{service}/status.
func (s *Server) handleAuthRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/auth/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		s.handleAuthStart(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "status":
		s.handleAuthStatus(w, r, parts[0])
	default:
		http.NotFound(w, r)
	}
}

// handleAuthStart kicks off the authorization flow and waits briefly
// for a consent URL to surface. Polling continues in the background
// either way.
func (s *Server) handleAuthStart(w http.ResponseWriter, r *http.Request, service string) {
	if s.shuttingDown() {
		s.writeError(w, faults.New(faults.CodeShuttingDown, "server is shutting down"))
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	sess, err := s.ensureIdentity(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	watcher := s.controller.Watcher()
	ch, unsub := watcher.Subscribe()
	defer unsub()

	status, err := watcher.Start(sess.Key, service)
	if err != nil {
		s.writeError(w, err)
		return
	}

	deadline := time.After(s.authCfg.URLWindow)
	url := ""
	var terminal authflow.State

wait:
	for {
		select {
		case tr := <-ch:
			if tr.SessionKey != sess.Key || tr.Service != service || tr.Generation != status.Generation {
				continue
			}
			if tr.URL != "" {
				url = tr.URL
				break wait
			}
			if tr.State.Terminal() {
				terminal = tr.State
				break wait
			}
		case <-deadline:
			break wait
		case <-r.Context().Done():
			break wait
		}
	}

	switch terminal {
	case authflow.StateTimedOut:
		s.writeError(w, faults.Newf(faults.CodeAuthTimeout, "authorization for %s timed out", service))
		return
	case authflow.StateFailed:
		s.writeError(w, faults.Newf(faults.CodeAuthFailed, "authorization for %s failed", service))
		return
	}

	current, _ := watcher.Status(sess.Key, service)
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"service":    service,
		"state":      current.State,
		"url":        url,
		"generation": status.Generation,
	})
}

// handleAuthStatus reports the flow state plus whether stored
// credentials are currently valid.
func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request, service string) {
	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	sess, err := s.ensureIdentity(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	svc, ok := s.authService(service)
	if !ok {
		s.writeError(w, faults.Newf(faults.CodeInvalidInput, "unknown service: %s", service))
		return
	}

	payload := map[string]interface{}{
		"service":    service,
		"authorized": false,
	}

	markerPath := authflow.MarkerPath(svc.MarkerDir, sess.Key, service)
	if marker, ok := authflow.ReadMarker(markerPath); ok {
		expired := marker.Expired(time.Now())
		payload["authorized"] = !expired
		if marker.ExpiryDate > 0 {
			payload["expires_at"] = time.UnixMilli(marker.ExpiryDate).UTC().Format(time.RFC3339)
		}
		if expired {
			payload["reason"] = "credentials expired"
		}
	}

	if status, ok := s.controller.Watcher().Status(sess.Key, service); ok {
		// A flow that ended without credentials surfaces as a typed
		// authorization error so the caller prompts re-authorization.
		if authorized, _ := payload["authorized"].(bool); !authorized {
			switch status.State {
			case authflow.StateTimedOut:
				s.writeError(w, faults.Newf(faults.CodeAuthTimeout, "authorization for %s timed out", service))
				return
			case authflow.StateFailed:
				s.writeError(w, faults.Newf(faults.CodeAuthFailed, "authorization for %s failed", service))
				return
			}
		}
		payload["state"] = status.State
		if status.URL != "" {
			payload["url"] = status.URL
		}
		if status.Error != "" {
			payload["error"] = status.Error
		}
	}

	s.writeJSON(w, http.StatusOK, payload)
}

// handleLogout destroys the caller's session resources and clears the
// identity cookie.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	cookie, err := r.Cookie(identityCookie)
	if err == nil && cookie.Value != "" {
		sess, created, regErr := s.sessions.EnsureSession(r.Context(), cookie.Value)
		if regErr == nil && !created {
			if evictErr := s.controller.EvictSession(r.Context(), sess.Key); evictErr != nil {
				s.logger.Warn().Err(evictErr).Str("sessionKey", sess.Key).Msg("Eviction on logout failed")
			}
			_ = s.sessions.Delete(r.Context(), sess.Key)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     identityCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
	})

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// handleHealthz reports liveness plus pool and executor statistics.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"live_handles":     s.controller.Pool().LiveHandles(),
		"tracked_sessions": s.controller.Pool().TrackedSessions(),
		"pending_tasks":    s.controller.Executor().Pending(),
		"queue_depth":      s.dispatcher.QueueDepth(),
	})
}

func (s *Server) authService(name string) (config.AuthServiceConfig, bool) {
	for _, svc := range s.authCfg.Services {
		if svc.Service == name {
			return svc, true
		}
	}
	return config.AuthServiceConfig{}, false
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := faults.HTTPStatus(err)
	message := err.Error()

	var fe *faults.Error
	if errors.As(err, &fe) {
		message = fe.Message
	}

	s.writeJSON(w, status, map[string]interface{}{
		"error": message,
		"code":  string(faults.CodeOf(err)),
	})
}
