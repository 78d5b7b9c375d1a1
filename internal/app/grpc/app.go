package grpcapp

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health-check service name reported for the auth API.
const ServiceName = "hrauth.Auth"

type Pinger interface {
	Ping(ctx context.Context) error
}

// App serves gRPC health checks and reflection.
type App struct {
	logger     *slog.Logger
	gRPCServer *grpc.Server
	health     *health.Server
	pinger     Pinger
	port       int
}

func New(
	logger *slog.Logger,
	pinger Pinger,
	port int,
) *App {
	gRPCServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(gRPCServer, healthServer)
	reflection.Register(gRPCServer)

	return &App{
		logger:     logger,
		gRPCServer: gRPCServer,
		health:     healthServer,
		pinger:     pinger,
		port:       port,
	}
}

// Check pings storage and publishes the result as serving status.
func (a *App) Check(ctx context.Context) bool {
	const op = "grpcapp.Check"

	status := healthpb.HealthCheckResponse_SERVING
	if a.pinger != nil {
		if err := a.pinger.Ping(ctx); err != nil {
			a.logger.Warn("storage ping failed", slog.String("op", op), slog.String("error", err.Error()))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}

	a.health.SetServingStatus("", status)
	a.health.SetServingStatus(ServiceName, status)

	return status == healthpb.HealthCheckResponse_SERVING
}

func (a *App) MustRun() {
	if err := a.Run(); err != nil {
		panic(err)
	}
}

func (a *App) Run() error {
	const op = "grpcapp.Run"

	a.Check(context.Background())

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", a.port))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return a.Serve(listener)
}

func (a *App) Serve(listener net.Listener) error {
	const op = "grpcapp.Serve"

	log := a.logger.With(
		slog.String("op", op),
		slog.Int("port", a.port),
	)

	log.Info("gRPC server is running", slog.String("address", listener.Addr().String()))

	if err := a.gRPCServer.Serve(listener); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (a *App) Stop() {
	const op = "grpcapp.Stop"
	log := a.logger.With(slog.String("op", op))
	log.Info("stopping gRPC server", slog.Int("port", a.port))

	a.health.Shutdown()
	a.gRPCServer.GracefulStop()
}
