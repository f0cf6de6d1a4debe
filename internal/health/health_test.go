package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type fakePinger struct {
	fail atomic.Bool
}

func (f *fakePinger) Ping(context.Context) error {
	if f.fail.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func TestReadyHandler(t *testing.T) {
	t.Parallel()
	store := &fakePinger{}
	queue := &fakePinger{}
	checker := NewChecker(time.Second, nil, Check{Name: "store", Pinger: store}, Check{Name: "queue", Pinger: queue}, Check{Name: "unused"})

	w := httptest.NewRecorder()
	checker.ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	queue.fail.Store(true)
	w = httptest.NewRecorder()
	checker.ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "not_ready" || body.Checks["store"] != "ok" || body.Checks["queue"] != "connection refused" {
		t.Fatalf("unexpected body %+v", body)
	}
	if _, ok := body.Checks["unused"]; ok {
		t.Fatal("nil pinger should be skipped")
	}
}

func TestGRPCHealthFollowsChecks(t *testing.T) {
	t.Parallel()
	dep := &fakePinger{}
	s := NewGRPCServer(NewChecker(time.Second, nil, Check{Name: "store", Pinger: dep}), time.Hour, nil)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		return resp.GetStatus()
	}

	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("initial status = %v", got)
	}
	s.Update(ctx)
	if got := check(); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status after healthy probe = %v", got)
	}
	dep.fail.Store(true)
	s.Update(ctx)
	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status after failed probe = %v", got)
	}
}
