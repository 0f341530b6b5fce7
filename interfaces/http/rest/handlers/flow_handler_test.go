package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"payflow-backend/application/orchestrator"
	"payflow-backend/application/ports"
	"payflow-backend/application/services"
	"payflow-backend/infrastructure/locks"
	"payflow-backend/infrastructure/statestore"
	pkgerrors "payflow-backend/pkg/errors"
	"payflow-backend/pkg/observability"
)

type scriptedCharge struct {
	confirmFn func() (*ports.ConfirmResult, error)
}

func (s *scriptedCharge) CreatePaymentIntent(_ context.Context, _ string, amountMinor int64, currency string) (*ports.IntentResult, error) {
	return &ports.IntentResult{
		PaymentIntent: ports.PaymentIntent{ID: "pi_1", AmountMinor: amountMinor, Currency: currency},
	}, nil
}

func (s *scriptedCharge) ConfirmPayment(context.Context, string, string, ports.PaymentContext) (*ports.ConfirmResult, error) {
	if s.confirmFn != nil {
		return s.confirmFn()
	}
	return &ports.ConfirmResult{Success: true, Status: "succeeded"}, nil
}

func (s *scriptedCharge) GetPaymentStatus(context.Context, string) (*ports.StatusResult, error) {
	return &ports.StatusResult{Status: "processing"}, nil
}

type noopTransport struct{}

func (noopTransport) EnsureConnection(context.Context) error { return nil }
func (noopTransport) Connected() bool                        { return true }
func (noopTransport) Close() error                           { return nil }
func (noopTransport) SubscribeToFlowStatus(string, ports.FlowStatusCallbacks) (func(), error) {
	return func() {}, nil
}

type noopBroadcaster struct{}

func (noopBroadcaster) Publish(ports.FlowBroadcast)                {}
func (noopBroadcaster) Subscribe(func(ports.FlowBroadcast)) func() { return func() {} }

type noopCreds struct{}

func (noopCreds) Session(context.Context) (ports.Session, error) {
	return ports.Session{Token: "t"}, nil
}
func (noopCreds) SaveSession(context.Context, ports.Session) error              { return nil }
func (noopCreds) SaveConfirmationMapping(context.Context, string, string) error { return nil }
func (noopCreds) LookupConfirmation(context.Context, string) (string, bool, error) {
	return "", false, nil
}
func (noopCreds) Close() error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *scriptedCharge) {
	t.Helper()
	logger := zap.NewNop()
	store := statestore.NewStore(logger)
	manager := locks.NewManager(logger)
	chargeAPI := &scriptedCharge{}

	registry := orchestrator.NewRegistry(
		store, manager, chargeAPI, noopTransport{}, noopCreds{}, noopBroadcaster{},
		observability.NewMetrics(prometheus.NewRegistry()), logger,
	)
	flowService := services.NewFlowService(registry, store, logger)
	handler := NewFlowHandler(registry, flowService, logger)

	router := chi.NewRouter()
	router.Route("/flows", func(r chi.Router) {
		r.Post("/", handler.InitializeFlow)
		r.Get("/{flowID}", handler.GetFlow)
		r.Post("/{flowID}/process", handler.ProcessFlow)
		r.Post("/{flowID}/booking", handler.BookingCreated)
		r.Post("/{flowID}/back", handler.GoBack)
		r.Delete("/{flowID}", handler.CleanupFlow)
	})

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		flowService.Close()
		registry.Close()
		manager.Close()
		store.Close()
	})
	return srv, chargeAPI
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestFlowHandler_InitializeFlow(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/flows", `{"booking_id":"booking-1","amount":5000,"currency":"CHF"}`)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "booking-1", body["flow_id"])
	assert.Equal(t, "initializing", body["status"])
	assert.Equal(t, float64(1), body["version"])
}

func TestFlowHandler_InitializeFlow_ValidationFailure(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/flows", `{"currency":"CHF"}`)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, string(pkgerrors.ErrorTypeValidation), body["type"])
}

func TestFlowHandler_ProcessFlow_Success(t *testing.T) {
	srv, _ := newTestServer(t)
	postJSON(t, srv.URL+"/flows", `{"booking_id":"booking-1","amount":5000,"currency":"CHF"}`)

	resp := postJSON(t, srv.URL+"/flows/booking-1/process", `{"payment_method_id":"pm_1"}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, 50.0, body["amount"])
}

func TestFlowHandler_ProcessFlow_DeclineReturns402(t *testing.T) {
	srv, chargeAPI := newTestServer(t)
	postJSON(t, srv.URL+"/flows", `{"booking_id":"booking-1","amount":5000,"currency":"CHF"}`)
	chargeAPI.confirmFn = func() (*ports.ConfirmResult, error) {
		return &ports.ConfirmResult{Success: false, Status: "failed"}, nil
	}

	resp := postJSON(t, srv.URL+"/flows/booking-1/process", `{"payment_method_id":"pm_1"}`)

	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, false, body["success"])
}

func TestFlowHandler_GetFlow_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/flows/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFlowHandler_BookingCreated_RenamesFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/flows", `{"amount":5000,"currency":"CHF"}`)
	preID := decode(t, resp)["flow_id"].(string)
	require.NotEmpty(t, preID)

	resp = postJSON(t, srv.URL+"/flows/"+preID+"/booking", `{"booking_id":"booking-9"}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "booking-9", body["flow_id"])

	// The old identifier still resolves
	getResp, err := http.Get(srv.URL + "/flows/" + preID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestFlowHandler_GoBack_RejectsZeroStep(t *testing.T) {
	srv, _ := newTestServer(t)
	postJSON(t, srv.URL+"/flows", `{"booking_id":"booking-1","amount":5000,"currency":"CHF"}`)

	resp := postJSON(t, srv.URL+"/flows/booking-1/back", `{"step":0}`)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFlowHandler_CleanupFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	postJSON(t, srv.URL+"/flows", `{"booking_id":"booking-1","amount":5000,"currency":"CHF"}`)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/flows/booking-1?source=test", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, true, body["cleaned"])

	getResp, err := http.Get(srv.URL + "/flows/booking-1")
	require.NoError(t, err)
	defer getResp.Body.Close()
	// FindFlow reinstates the preserved snapshot, so the flow is still
	// reachable during the preservation window
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
}
