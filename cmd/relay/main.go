package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"dealroom/internal/app/delivery"
	"dealroom/internal/infra/broker/kafka"
	"dealroom/internal/infra/config"
	"dealroom/internal/infra/delivery/grpcwire"
	"dealroom/internal/infra/delivery/inproc"
	"dealroom/internal/infra/obs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		obs.NewLogger("dev").Warn(".env not loaded", "error", err)
	}
	cfg, err := config.Load()
	if err != nil {
		obs.NewLogger("dev").Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.Env)

	// Relays fan out through Kafka when brokers are configured so several
	// relay replicas see the same envelopes.
	var channel delivery.Channel
	if len(cfg.KafkaBrokers) > 0 {
		kcfg := kafka.NewConfig("dealroom-relay")
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, kcfg)
		if err != nil {
			logger.Error("kafka init failed", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		host, _ := os.Hostname()
		channel = &kafka.Channel{
			Producer: producer,
			Topic:    cfg.KafkaTopicPrefix + kafka.DefaultEnvelopeTopic,
			NewGroup: kafka.GroupFactory(cfg.KafkaBrokers, cfg.KafkaGroupID+"-relay-"+host, kcfg),
			Logger:   logger,
		}
	} else {
		hub := inproc.NewHub(logger)
		defer hub.Close()
		channel = hub
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(grpcwire.LoggingInterceptor(logger)))
	grpcwire.RegisterRelayService(grpcServer, &grpcwire.Server{Channel: channel, Logger: logger})
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", cfg.RelayListenAddr)
	if err != nil {
		logger.Error("failed to listen", "error", err, "addr", cfg.RelayListenAddr)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down relay")
		healthSrv.Shutdown()
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		// Subscribe streams only end when clients leave.
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			grpcServer.Stop()
		}
	}()

	logger.Info("relay starting", "addr", cfg.RelayListenAddr, "env", cfg.Env)
	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		logger.Error("grpc server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}
