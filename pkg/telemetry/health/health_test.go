package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewDefaultTimeout(t *testing.T) {
	if c := New(0); c.timeout != 5*time.Second {
		t.Errorf("default timeout = %v, want 5s", c.timeout)
	}
	if c := New(time.Second); c.timeout != time.Second {
		t.Errorf("timeout = %v, want 1s", c.timeout)
	}
}

func TestRegisterReplaceUnregister(t *testing.T) {
	c := New(time.Second)
	c.Register("audit", func(ctx context.Context) error { return nil })
	c.Register("runtime", func(ctx context.Context) error { return nil })
	if got := len(c.Names()); got != 2 {
		t.Fatalf("names = %d, want 2", got)
	}

	c.Register("audit", func(ctx context.Context) error { return errors.New("down") })
	if got := len(c.Names()); got != 2 {
		t.Errorf("replacement added a name: %d", got)
	}
	status := c.Readiness(context.Background())
	if status.Checks["audit"].Status != "unhealthy" {
		t.Error("replaced probe not in effect")
	}

	c.Unregister("audit")
	if got := len(c.Names()); got != 1 {
		t.Errorf("names after unregister = %d, want 1", got)
	}
}

func TestLiveness(t *testing.T) {
	c := New(time.Second)
	c.Register("broken", func(ctx context.Context) error { return errors.New("down") })

	status := c.Liveness()
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if status.Checks != nil {
		t.Error("liveness must not run component probes")
	}
	if status.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestReadinessNoChecks(t *testing.T) {
	status := New(time.Second).Readiness(context.Background())
	if status.Status != "ready" {
		t.Errorf("status = %q, want ready", status.Status)
	}
}

func TestReadinessAggregation(t *testing.T) {
	c := New(time.Second)
	c.Register("good", func(ctx context.Context) error { return nil })
	c.Register("bad", func(ctx context.Context) error { return errors.New("store closed") })

	status := c.Readiness(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if got := status.Checks["good"].Status; got != "ok" {
		t.Errorf("good = %q", got)
	}
	bad := status.Checks["bad"]
	if bad.Status != "unhealthy" || bad.Message != "store closed" {
		t.Errorf("bad = %+v", bad)
	}
}

func TestReadinessTimeout(t *testing.T) {
	c := New(20 * time.Millisecond)
	c.Register("slow", func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})

	status := c.Readiness(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if got := status.Checks["slow"].Message; got != "probe timeout" {
		t.Errorf("message = %q", got)
	}
}

func TestReadinessHonorsCancel(t *testing.T) {
	c := New(time.Second)
	c.Register("ctx", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
			return nil
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	status := c.Readiness(ctx)
	if status.Checks["ctx"].Status != "unhealthy" {
		t.Error("cancelled probe should be unhealthy")
	}
}

func TestLivenessHandler(t *testing.T) {
	handler := New(time.Second).LivenessHandler()

	tests := []struct {
		method string
		code   int
	}{
		{http.MethodGet, http.StatusOK},
		{http.MethodHead, http.StatusOK},
		{http.MethodPost, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, "/healthz", nil)
		rec := httptest.NewRecorder()
		handler(rec, req)
		if rec.Code != tt.code {
			t.Errorf("%s: code = %d, want %d", tt.method, rec.Code, tt.code)
		}
		if tt.method == http.MethodHead && rec.Body.Len() != 0 {
			t.Error("HEAD response has a body")
		}
	}
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*Checker)
		code   int
		status string
	}{
		{
			name:   "no checks",
			setup:  func(c *Checker) {},
			code:   http.StatusOK,
			status: "ready",
		},
		{
			name: "healthy",
			setup: func(c *Checker) {
				c.Register("good", func(ctx context.Context) error { return nil })
			},
			code:   http.StatusOK,
			status: "ready",
		},
		{
			name: "degraded",
			setup: func(c *Checker) {
				c.Register("bad", func(ctx context.Context) error { return errors.New("down") })
			},
			code:   http.StatusServiceUnavailable,
			status: "degraded",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(time.Second)
			tt.setup(c)

			req := httptest.NewRequest(http.MethodGet, "/ready", nil)
			rec := httptest.NewRecorder()
			c.ReadinessHandler()(rec, req)

			if rec.Code != tt.code {
				t.Errorf("code = %d, want %d", rec.Code, tt.code)
			}
			var status Status
			if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if status.Status != tt.status {
				t.Errorf("status = %q, want %q", status.Status, tt.status)
			}
		})
	}
}
