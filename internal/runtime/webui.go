package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/relayflow/internal/runtime/serialization"
	"github.com/drblury/relayflow/transport"
)

// ReceiverStatus is the JSON view of one running receiver.
type ReceiverStatus struct {
	MessageType  string                `json:"message_type"`
	Channel      string                `json:"channel"`
	Subscription string                `json:"subscription,omitempty"`
	DeadLetter   string                `json:"dead_letter"`
	State        string                `json:"state"`
	Stats        ReceiverStatsSnapshot `json:"stats"`
}

// StatusReport is served from /api/receivers.
type StatusReport struct {
	Transport    string                 `json:"transport"`
	Capabilities transport.Capabilities `json:"capabilities"`
	Middlewares  []string               `json:"middlewares"`
	Receivers    []ReceiverStatus       `json:"receivers"`
	DeadLetters  *DLQMetricsSnapshot    `json:"dead_letters,omitempty"`
	Resources    ResourceUsage          `json:"resources"`
}

func (s *Service) StartWebUIServer() {
	if !s.Conf.WebUIEnabled {
		return
	}

	port := s.Conf.WebUIPort
	if port == 0 {
		port = 8081
	}

	s.RegisterHTTPHandler(port, "/api/receivers", http.HandlerFunc(s.handleGetReceivers))
}

// Status reports the state of every receiver started by Start.
func (s *Service) Status() StatusReport {
	report := StatusReport{
		Transport:   s.Conf.GetPubSubSystem(),
		Middlewares: s.MiddlewareNames(),
		Resources:   s.resources.Sample(),
	}
	if s.transport != nil {
		report.Capabilities = s.transport.Capabilities()
	}
	for _, rcv := range s.Receivers() {
		ch := rcv.Channel()
		report.Receivers = append(report.Receivers, ReceiverStatus{
			MessageType:  rcv.MessageType(),
			Channel:      ch.Name,
			Subscription: ch.Subscription,
			DeadLetter:   ch.DeadLetterName(),
			State:        rcv.State().String(),
			Stats:        rcv.Stats(),
		})
	}
	if s.dlqMetrics != nil {
		snap := s.dlqMetrics.Snapshot()
		report.DeadLetters = &snap
	}
	return report
}

func (s *Service) handleGetReceivers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.Conf != nil && len(s.Conf.WebUICORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowedOrigin := s.getAllowedCORSOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := serialization.Encode(w, s.Status()); err != nil {
		s.Logger.Error("Failed to encode receiver status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
