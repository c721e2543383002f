package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"marketbroker/identity"
	"marketbroker/market"
	"marketbroker/obslog"
	"marketbroker/otelboot"
	"marketbroker/peer"
)

func main() {
	env := strings.TrimSpace(os.Getenv("MARKETBROKER_ENV"))
	logger := obslog.Setup("marketbroker", env)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := otelboot.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := otelboot.Init(context.Background(), otelboot.Config{
		ServiceName: "marketbroker",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := market.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbPath := strings.TrimSpace(os.Getenv("MARKETBROKER_DB_PATH"))
	if dbPath == "" {
		dbPath = "marketbroker.db"
	}
	store, err := market.NewSQLStore(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer store.Close()

	selfKey, err := loadOrGenerateIdentity()
	if err != nil {
		log.Fatalf("load identity: %v", err)
	}
	self := selfKey.NodeId()
	logger.Info("broker identity", "node_id", self.String())

	subs := market.NewMemorySubscriptionStore()
	metrics := market.NewMetrics()
	common := market.NewCommonBroker(store, subs, cfg, metrics, logger)

	directory := peer.NewMemoryDirectory()
	client := peer.NewClient(self, directory)
	requestor := market.NewRequestorBroker(common, client, subs, self, logger)

	matches := make(chan market.RawProposal, 256)
	pump := market.NewProposalPump(common, market.Requestor, matches, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go pump.Run(ctx)

	peerServer := peer.NewServer(requestorHandlers{requestor}, directory, 2*time.Minute, logger)
	publicPrefix := envDefault("MARKETBROKER_PUBLIC_PREFIX", "/peer")
	localPrefix := envDefault("MARKETBROKER_LOCAL_PREFIX", "/local/market")
	peerServer.Bind(publicPrefix, localPrefix)
	mux := http.NewServeMux()
	mux.Handle(publicPrefix+"/", peerServer.Router(publicPrefix))
	mux.Handle("/metrics", metrics.MetricsHandler())

	listenAddr := envDefault("MARKETBROKER_LISTEN", ":8090")
	srv := &http.Server{
		Addr:    listenAddr,
		Handler: otelhttp.NewHandler(mux, "marketbroker"),
	}

	go func() {
		logger.Info("marketbroker listening", "addr", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()

	logger.Info("shutting down marketbroker")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "graceful shutdown failed: %v\n", err)
	}
}

const shutdownTimeout = 10 * time.Second

func envDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// loadOrGenerateIdentity mints a fresh ephemeral node key on every start;
// no key is read from the environment or from disk.
func loadOrGenerateIdentity() (*identity.PrivateKey, error) {
	// TODO: wire persistent key loading once a keystore format is chosen;
	// see identity.PrivateKey.Sign for the related unresolved signing hook.
	return identity.GeneratePrivateKey()
}

// requestorHandlers adapts *market.RequestorBroker (plus the CommonBroker
// operations it embeds) to peer.Handlers.
type requestorHandlers struct {
	r *market.RequestorBroker
}

func (h requestorHandlers) OnProposalReceived(ctx context.Context, demandId market.SubscriptionId, prevId market.ProposalId, body market.ProposalBody, owner market.Role) (*market.Proposal, error) {
	return h.r.Common().OnProposalReceived(ctx, demandId, prevId, body, owner)
}

func (h requestorHandlers) OnProposalRejected(ctx context.Context, demandId market.SubscriptionId, id market.ProposalId, reason *market.Reason) error {
	return h.r.Common().OnProposalRejected(ctx, demandId, id, reason)
}

func (h requestorHandlers) OnAgreementApproved(ctx context.Context, agreementId market.AgreementId, caller identity.NodeId) error {
	return h.r.OnAgreementApproved(ctx, agreementId, caller)
}

func (h requestorHandlers) OnAgreementRejected(ctx context.Context, agreementId market.AgreementId, caller identity.NodeId, reason *market.Reason) error {
	return h.r.OnAgreementRejected(ctx, agreementId, caller, reason)
}

func (h requestorHandlers) OnAgreementTerminated(ctx context.Context, id market.AgreementId, caller identity.NodeId, reason *market.Reason) error {
	return h.r.Common().OnAgreementTerminated(ctx, id, caller, reason)
}

var _ peer.Handlers = requestorHandlers{}
