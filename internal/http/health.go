package http

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"go.opentelemetry.io/otel"
)

// ServiceName is the gRPC health service name of the pipeline.
const ServiceName = "spy.Pipeline"

type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

type HealthReport struct {
	Status    HealthStatus           `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp time.Time              `json:"timestamp"`
}

// Health checks every dependency concurrently. A failing required
// dependency makes the service unhealthy, any other failure degraded.
// Unconfigured dependencies are reported as disabled.
func (s *Server) Health(ctx context.Context) *HealthReport {
	ctx, span := otel.Tracer("spy/http").Start(ctx, "Server.Health")
	defer span.End()

	report := &HealthReport{
		Status:    Healthy,
		Checks:    make(map[string]CheckResult, len(s.checks)),
		Timestamp: time.Now().UTC(),
	}
	results := make([]CheckResult, len(s.checks))
	var wg sync.WaitGroup
	for i, c := range s.checks {
		if c.Check == nil {
			results[i] = CheckResult{Status: "disabled"}
			continue
		}
		wg.Go(func() {
			cctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			results[i] = CheckResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				results[i].Status = "error"
				results[i].Error = err.Error()
			}
		})
	}
	wg.Wait()

	for i, c := range s.checks {
		report.Checks[c.Name] = results[i]
		if results[i].Status != "error" {
			continue
		}
		if c.Required {
			report.Status = Unhealthy
		} else if report.Status == Healthy {
			report.Status = Degraded
		}
	}
	return report
}

func (s *Server) handleHealth(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	report := s.Health(r.Context())
	code := stdhttp.StatusOK
	if report.Status == Unhealthy {
		code = stdhttp.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

// HealthChecker reports health over the gRPC health protocol.
type HealthChecker struct{ server *Server }

// Check implements grpchealth.Checker. The service is serving unless a
// required dependency fails.
func (c HealthChecker) Check(
	ctx context.Context,
	req *grpchealth.CheckRequest,
) (*grpchealth.CheckResponse, error) {
	tracer := otel.Tracer("spy/http")
	ctx, span := tracer.Start(ctx, "HealthChecker.Check")
	defer span.End()
	switch req.Service {
	case "", ServiceName:
		if c.server.Health(ctx).Status == Unhealthy {
			return &grpchealth.CheckResponse{Status: grpchealth.StatusNotServing}, nil
		}
		return &grpchealth.CheckResponse{Status: grpchealth.StatusServing}, nil
	default:
		return nil, connect.NewError(
			connect.CodeNotFound,
			fmt.Errorf("unknown service: %s", req.Service),
		)
	}
}
