package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/PaulBabatuyi/secureChat/internal/middleware"
)

// healthService is the name reported for the chat backend. The empty name
// reports overall server health.
const healthService = "securechat"

// limitedAdminMethods are the admin RPCs budgeted by the rate limiter.
var limitedAdminMethods = map[string]bool{
	"/grpc.health.v1.Health/Check": true,
}

// newAdminServer builds the gRPC admin listener: health and reflection.
// certFile and keyFile enable TLS when both are set.
func newAdminServer(limiter middleware.Limiter, certFile, keyFile string, log logrus.FieldLogger) (*grpc.Server, *health.Server, error) {
	var opts []grpc.ServerOption
	if certFile != "" && keyFile != "" {
		creds, err := credentials.NewServerTLSFromFile(certFile, keyFile)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, grpc.Creds(creds))
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(
		loggingUnaryInterceptor(log),
		middleware.RateLimitUnaryInterceptor(limiter, limitedAdminMethods),
	))

	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	return srv, hs, nil
}

// watchHealth pings the store every interval and publishes the result until
// ctx ends, then reports NOT_SERVING for good.
func watchHealth(ctx context.Context, hs *health.Server, ping func(context.Context) error, interval time.Duration, log logrus.FieldLogger) {
	last := healthpb.HealthCheckResponse_UNKNOWN
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		st := healthpb.HealthCheckResponse_SERVING
		if err := ping(pctx); err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			if last != st {
				log.WithError(err).Warn("store ping failed")
			}
		}
		if st != last {
			log.WithField("status", st.String()).Info("health status changed")
			last = st
		}
		hs.SetServingStatus("", st)
		hs.SetServingStatus(healthService, st)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			check()
		}
	}
}
