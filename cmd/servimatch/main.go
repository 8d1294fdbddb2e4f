// Command servimatch runs the conversational marketplace core: it receives
// inbound WhatsApp-style messages on an HTTP webhook, drives the customer
// dialog, and coordinates real-time provider availability.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"servimatch.dev/availability"
	"servimatch.dev/catalog"
	"servimatch.dev/config"
	"servimatch.dev/consent"
	"servimatch.dev/customer"
	"servimatch.dev/dialog"
	"servimatch.dev/flow"
	"servimatch.dev/interpret"
	"servimatch.dev/kv"
	"servimatch.dev/llm/oai"
	"servimatch.dev/logx"
	"servimatch.dev/provider"
	"servimatch.dev/safety"
	"servimatch.dev/search"
	"servimatch.dev/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v: %v\n", os.Args[0], err)
		os.Exit(1)
	}
}

func run() error {
	verbose := flag.Bool("verbose", false, "enable debug logging")
	version := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *version {
		if bi, ok := debug.ReadBuildInfo(); ok {
			fmt.Printf("%s@%v\n", bi.Path, bi.Main.Version)
		}
		return nil
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(logx.AttrsWrap(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))))

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis at %s: %w", cfg.RedisAddr, err)
	}
	store := kv.New(rdb, cfg.StoreTimeout)

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer db.Close()

	llmSvc := oai.New(oai.Config{
		APIKey:      cfg.OpenAIKey,
		Model:       cfg.OpenAIModel,
		Timeout:     cfg.LLMTimeout,
		MaxInFlight: int64(cfg.MaxLLMConcurrency),
	})

	cat := catalog.New(db, store, cfg.CatalogCacheTTL)
	if err := cat.Refresh(ctx); err != nil {
		slog.Warn("initial catalog load failed, resolvers start empty", "error", err)
	}

	customers := customer.NewRepo(db)
	messenger := transport.NewGateway(cfg.GatewayURL, cfg.GatewayToken)
	coordinator := availability.New(store, messenger, availability.Config{
		Timeout:      cfg.AvailabilityTimeout,
		ProbeTTL:     cfg.AvailabilityTTL,
		PollInterval: cfg.AvailabilityPollInterval,
	}, nil)

	router := dialog.NewRouter(dialog.Deps{
		Flows:     flow.NewRepo(store, cfg.FlowTTL),
		Customers: customers,
		Consents:  consent.New(customers, nil),
		Gate:      safety.New(llmSvc, store, nil),
		Interp:    interpret.New(cat, llmSvc),
		Cities:    cat,
		Search:    search.New(db, cat),
		Avail:     coordinator,
		Connector: &provider.Connector{Photos: &provider.PhotoResolver{
			BaseURL: cfg.StorageBaseURL,
			Bucket:  cfg.StorageBucket,
		}},
		Messenger: messenger,
	}, dialog.Config{
		SessionTimeout:     cfg.SessionTimeout,
		MaxConfirmAttempts: cfg.MaxConfirmAttempts,
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: newHandler(router, coordinator, cat),
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Error("shutdown failed", "error", err)
		}
	}()

	slog.Info("servimatch listening", "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newHandler wires the HTTP surface: the inbound webhook, the provider-side
// availability ingress, the catalog admin hook, and a health probe.
func newHandler(router *dialog.Router, coordinator *availability.Coordinator, cat *catalog.Service) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhook/inbound", func(w http.ResponseWriter, r *http.Request) {
		var in transport.Inbound
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		// Acknowledge immediately; the turn may take seconds of LLM and
		// store work and the gateway retries on its own schedule.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := router.HandleInbound(ctx, in); err != nil {
				slog.ErrorContext(ctx, "inbound handling failed", "error", err)
			}
		}()
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("POST /webhook/availability", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RequestID     string `json:"req_id"`
			ProviderPhone string `json:"provider_phone"`
			Accepted      bool   `json:"accepted"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil ||
			body.RequestID == "" || body.ProviderPhone == "" {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		if err := coordinator.RecordResponse(r.Context(), body.RequestID, body.ProviderPhone, body.Accepted); err != nil {
			slog.ErrorContext(r.Context(), "availability response rejected", "error", err)
			http.Error(w, "not recorded", http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /admin/catalog/refresh", func(w http.ResponseWriter, r *http.Request) {
		if err := cat.Refresh(r.Context()); err != nil {
			http.Error(w, "refresh failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}
