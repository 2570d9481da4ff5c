// Command certificate-issuer drives ACME DNS-01 issuance and renewal for
// domains registered against the orchestrator, exposing a small HTTP API
// and a Prometheus metrics endpoint alongside the long-lived work loop.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ic-boundary/certificate-issuer/acmeclient"
	"github.com/ic-boundary/certificate-issuer/api"
	"github.com/ic-boundary/certificate-issuer/check"
	"github.com/ic-boundary/certificate-issuer/codec"
	"github.com/ic-boundary/certificate-issuer/dnsprovider"
	"github.com/ic-boundary/certificate-issuer/dnsresolve"
	"github.com/ic-boundary/certificate-issuer/metrics"
	"github.com/ic-boundary/certificate-issuer/orchestrator"
	"github.com/ic-boundary/certificate-issuer/work"
)

type flags struct {
	apiAddr              string
	metricsAddr          string
	rootKeyPath          string
	identityPath         string
	orchestratorURI      string
	orchestratorCanister string
	keyPath              string
	delegationDomain     string
	acmeAccountID        string
	acmeAccountKeyPath   string
	acmeProviderURL      string
	cloudflareAPIKey     string
	peekSleepSec         int
	logLevel             string
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.apiAddr, "api-addr", ":8080", "address the HTTP registration API listens on")
	flag.StringVar(&f.metricsAddr, "metrics-addr", ":9090", "address the Prometheus metrics endpoint listens on")
	flag.StringVar(&f.rootKeyPath, "root-key-path", "", "optional PEM development root trusted for orchestrator response verification")
	flag.StringVar(&f.identityPath, "identity-path", "", "PEM identity certificate passed to the orchestrator client")
	flag.StringVar(&f.orchestratorURI, "orchestrator-uri", "", "base URI of the orchestrator agent")
	flag.StringVar(&f.orchestratorCanister, "orchestrator-canister-id", "", "canister id of the orchestrator")
	flag.StringVar(&f.keyPath, "key-path", "", "PEM symmetric key used to encrypt issued certificates at rest")
	flag.StringVar(&f.delegationDomain, "delegation-domain", "", "domain registrations delegate their ACME challenge to")
	flag.StringVar(&f.acmeAccountID, "acme-account-id", "", "ACME account contact identifier")
	flag.StringVar(&f.acmeAccountKeyPath, "acme-account-key", "", "PEM EC private key for the ACME account")
	flag.StringVar(&f.acmeProviderURL, "acme-provider-url", "https://acme-v02.api.letsencrypt.org/directory", "ACME directory URL")
	flag.StringVar(&f.cloudflareAPIKey, "cloudflare-api-key", "", "Cloudflare API token for the authoritative DNS provider")
	flag.IntVar(&f.peekSleepSec, "peek-sleep-sec", 60, "seconds to sleep between empty task-queue peeks")
	flag.StringVar(&f.logLevel, "log-level", "info", "zap log level (debug, info, warn, error)")
	flag.Parse()
	return f
}

func newLogger(level string) (*zap.Logger, error) {
	lvl := zap.NewAtomicLevel()
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}

func loadECKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s contains no PEM block", path)
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

func loadRootCert(path string) (*x509.Certificate, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s contains no PEM block", path)
	}
	return x509.ParseCertificate(block.Bytes)
}

func loadSymmetricKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s contains no PEM block", path)
	}
	return block.Bytes, nil
}

func main() {
	f := parseFlags()

	log, err := newLogger(f.logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	registry := prometheus.NewRegistry()
	scope := metrics.NewPromScope(registry)
	clk := clock.New()

	if err := run(f, log, scope, clk, registry); err != nil {
		log.Fatal("fatal error", zap.Error(err))
	}
}

func run(f flags, log *zap.Logger, scope metrics.Scope, clk clock.Clock, registry *prometheus.Registry) error {
	accountKey, err := loadECKey(f.acmeAccountKeyPath)
	if err != nil {
		return fmt.Errorf("loading acme account key: %w", err)
	}
	identity, err := loadRootCert(f.identityPath)
	if err != nil {
		return fmt.Errorf("loading identity: %w", err)
	}
	rootKey, err := loadRootCert(f.rootKeyPath)
	if err != nil {
		return fmt.Errorf("loading root key: %w", err)
	}
	symmetricKey, err := loadSymmetricKey(f.keyPath)
	if err != nil {
		return fmt.Errorf("loading symmetric key: %w", err)
	}
	cipher, err := codec.New(symmetricKey)
	if err != nil {
		return fmt.Errorf("constructing codec: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	rawACME, err := acmeclient.New(ctx, f.acmeProviderURL, accountKey, f.acmeAccountID)
	cancel()
	if err != nil {
		return fmt.Errorf("constructing acme client: %w", err)
	}
	acmeClient := acmeclient.WithIDNA{Client: acmeclient.WithMetrics{
		Client: rawACME,
		Params: metrics.NewMetricParams(scope, log, "acme", "client"),
	}}

	resolver, err := dnsresolve.NewSystem()
	if err != nil {
		return fmt.Errorf("constructing dns resolver: %w", err)
	}
	resolver = dnsresolve.WithMetrics{
		Resolver: resolver,
		Params:   metrics.NewMetricParams(scope, log, "dns", "resolver"),
	}

	rawDNSProvider, err := dnsprovider.New(f.cloudflareAPIKey)
	if err != nil {
		return fmt.Errorf("constructing dns provider: %w", err)
	}
	dnsProvider := dnsprovider.WithMetrics{
		Provider: rawDNSProvider,
		Params:   metrics.NewMetricParams(scope, log, "dns", "provider"),
	}

	rootKeyTrust := rootKey != nil
	orchClient := orchestrator.NewClient(f.orchestratorURI, f.orchestratorCanister, identity, rootKeyTrust)
	orchClient = orchestrator.WithMetrics{
		Client: orchClient,
		Params: metrics.NewMetricParams(scope, log, "orchestrator", "client"),
	}

	checker := check.New(resolver, orchClient, f.delegationDomain)

	verifier := orchestrator.NewVerifier(rootKeyTrust)
	export := orchestrator.NewExport(orchClient, cipher, verifier, metrics.NewMetricParams(scope, log, "orchestrator", "export"))

	deps := work.Deps{
		ACME:             acmeClient,
		DNSProvider:      dnsProvider,
		Resolver:         resolver,
		Orchestrator:     orchClient,
		Codec:            cipher,
		DelegationDomain: f.delegationDomain,
	}
	proc := work.NewDetectRenewal(work.New(deps, checker), orchClient, clk)

	loop := work.NewLoop(orchClient, proc, clk, log, time.Duration(f.peekSleepSec)*time.Second)

	apiHandler := api.New(orchClient, checker, export, clk, log)
	apiServer := &http.Server{Addr: f.apiAddr, Handler: apiHandler}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: f.metricsAddr, Handler: metricsMux}

	log.Info("starting certificate-issuer", zap.String("metrics_addr", f.metricsAddr))

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return apiServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
