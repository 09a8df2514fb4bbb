package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/relayflow/internal/runtime/config"
	"github.com/drblury/relayflow/internal/runtime/serialization"
)

func TestHandleGetReceivers(t *testing.T) {
	conf := &configpkg.Config{
		PubSubSystem:            "memory",
		WebUIEnabled:            true,
		WebUICORSAllowedOrigins: []string{"https://ops.example.com"},
	}
	svc := newTestService(t, conf, ServiceDependencies{})

	req := httptest.NewRequest(http.MethodGet, "/api/receivers", nil)
	req.Header.Set("Origin", "https://OPS.example.com")
	rec := httptest.NewRecorder()
	svc.handleGetReceivers(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "https://OPS.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	var report StatusReport
	require.NoError(t, serialization.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "memory", report.Transport)
	assert.Equal(t, "memory", report.Capabilities.Name)
	assert.Contains(t, report.Middlewares, "recoverer")
	assert.Empty(t, report.Receivers)
}

func TestHandleGetReceiversPreflight(t *testing.T) {
	conf := &configpkg.Config{PubSubSystem: "memory", WebUICORSAllowedOrigins: []string{"*"}}
	svc := newTestService(t, conf, ServiceDependencies{})

	req := httptest.NewRequest(http.MethodOptions, "/api/receivers", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	rec := httptest.NewRecorder()
	svc.handleGetReceivers(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestGetAllowedCORSOrigin(t *testing.T) {
	svc := &Service{Conf: &configpkg.Config{WebUICORSAllowedOrigins: []string{"https://a.example.com"}}}
	assert.Equal(t, "https://a.example.com", svc.getAllowedCORSOrigin("https://a.example.com"))
	assert.Empty(t, svc.getAllowedCORSOrigin("https://b.example.com"))

	assert.Empty(t, (&Service{}).getAllowedCORSOrigin("https://a.example.com"))
}

func TestStartWebUIServerRegistersHandler(t *testing.T) {
	svc := newTestService(t, &configpkg.Config{PubSubSystem: "memory", WebUIEnabled: true, WebUIPort: 9191}, ServiceDependencies{})
	svc.StartWebUIServer()

	svc.httpServersMu.Lock()
	defer svc.httpServersMu.Unlock()
	require.Contains(t, svc.httpServers, 9191)

	_, pattern := svc.httpServers[9191].Handler(httptest.NewRequest(http.MethodGet, "/api/receivers", nil))
	assert.Equal(t, "/api/receivers", pattern)
}
