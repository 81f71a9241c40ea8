package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rxledger/audit"
	"rxledger/compress"
	"rxledger/config"
	"rxledger/core"
	rxerrors "rxledger/core/errors"
	rxcrypto "rxledger/crypto"
	"rxledger/fraud"
	"rxledger/ledger"
	"rxledger/observability/logging"
	"rxledger/otp"
	"rxledger/recon"
	"rxledger/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	listenFlag := flag.String("listen", "", "Listen address override for the ops HTTP surface")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("RXLEDGER_ENV"))
	log := logging.Setup("rxledgerd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if env != "" {
		cfg.Environment = env
	}
	if *listenFlag != "" {
		cfg.ListenAddress = *listenFlag
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	seed, err := cfg.Signing.MasterSeed()
	if err != nil {
		panic(fmt.Sprintf("Failed to resolve signing seed: %v", err))
	}
	otpSecret, err := cfg.OTP.Secret()
	if err != nil {
		panic(fmt.Sprintf("Failed to resolve otp secret: %v", err))
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	auditLog, err := audit.Open(cfg.AuditDBPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to open audit database: %v", err))
	}

	keys, err := rxcrypto.NewKeyManager(seed)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialise key manager: %v", err))
	}
	issuer, err := otp.NewIssuer(otpSecret, cfg.OTP.TTL.Duration)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialise otp issuer: %v", err))
	}

	gateway, err := ledger.NewClient(ledger.Config{
		URL:              cfg.Ledger.RPCURL,
		Timeout:          cfg.Ledger.RequestTimeout.Duration,
		MaxAttempts:      cfg.Ledger.MaxAttempts,
		MinBackoff:       cfg.Ledger.MinBackoff.Duration,
		MaxBackoff:       cfg.Ledger.MaxBackoff.Duration,
		SubmitsPerSecond: cfg.Ledger.SubmitsPerSecond,
		Logger:           log,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialise ledger client: %v", err))
	}

	store := core.NewStore()
	compressor := compress.New()

	persistence := storage.NewPersistence(db, cfg.Snapshot.Interval.Duration, log)
	persistence.Register("store", store)
	persistence.Register("dictionary", compressor)
	if err := persistence.LoadAll(); err != nil {
		panic(fmt.Sprintf("Failed to restore state: %v", err))
	}
	store.SetDirtyHook(persistence.MarkDirty)

	service, err := core.NewService(core.ServiceConfig{
		Store:      store,
		Gateway:    gateway,
		Codec:      rxcrypto.NewCodec(keys),
		Compressor: compressor,
		Locks:      core.NewLockTable(cfg.Dispense.LockTTL.Duration),
		Fraud:      fraud.NewDetector(cfg.Fraud.ThresholdKm),
		Audit:      auditLog,
		Logger:     log,
		Policy:     cfg.Signing.Policy,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialise service: %v", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	persistence.StartAutoSave(ctx)

	loop := recon.New(recon.Config{
		Store:          store,
		Gateway:        gateway,
		Audit:          auditLog,
		Interval:       cfg.Recon.Interval.Duration,
		NonceRetention: cfg.Nonce.Retention.Duration,
		Logger:         log,
	})
	go loop.Start(ctx)

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           newRouter(service, store, auditLog, issuer),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("ops surface listening", "addr", cfg.ListenAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown failed", "err", err)
	}
	if err := persistence.SaveAll(); err != nil {
		log.Warn("final snapshot failed", "err", err)
	}
}

func newRouter(service *core.Service, store *core.Store, auditLog *audit.Log, issuer *otp.Issuer) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/channels/{topicID}", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			ch, ok := store.GetChannel(chi.URLParam(req, "topicID"))
			if !ok {
				writeError(w, rxerrors.ErrChannelNotFound)
				return
			}
			writeJSON(w, http.StatusOK, ch)
		})

		r.Get("/validate", func(w http.ResponseWriter, req *http.Request) {
			issues, err := service.ValidateChannel(chi.URLParam(req, "topicID"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"valid":  len(issues) == 0,
				"issues": issues,
			})
		})

		r.Get("/audit", func(w http.ResponseWriter, req *http.Request) {
			records, err := auditLog.ByTopic(req.Context(), chi.URLParam(req, "topicID"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, records)
		})

		r.Post("/otp", func(w http.ResponseWriter, req *http.Request) {
			topicID := chi.URLParam(req, "topicID")
			if _, ok := store.GetChannel(topicID); !ok {
				writeError(w, rxerrors.ErrChannelNotFound)
				return
			}
			grant, err := issuer.Issue(topicID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, grant)
		})

		r.Post("/otp/verify", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Token string `json:"token"`
				Code  string `json:"code"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeError(w, fmt.Errorf("%w: %v", rxerrors.ErrValidation, err))
				return
			}
			if err := issuer.Verify(body.Token, body.Code, chi.URLParam(req, "topicID")); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
		})
	})

	r.Get("/audit/degraded", func(w http.ResponseWriter, req *http.Request) {
		records, err := auditLog.Degraded(req.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, records)
	})

	// Offline/QR ingest: the wire payload produced elsewhere is folded into
	// the local cache after signature and hash verification.
	r.Post("/ingest", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Payload string `json:"payload"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, fmt.Errorf("%w: %v", rxerrors.ErrValidation, err))
			return
		}
		wire, err := base64.StdEncoding.DecodeString(body.Payload)
		if err != nil {
			writeError(w, fmt.Errorf("%w: payload is not base64", rxerrors.ErrValidation))
			return
		}
		res, err := service.Ingest(req.Context(), wire)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"topicId": res.Channel.ID,
			"status":  res.Channel.Status,
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, rxerrors.ErrChannelNotFound):
		status = http.StatusNotFound
	case errors.Is(err, rxerrors.ErrValidation), errors.Is(err, rxerrors.ErrSignatureInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, rxerrors.ErrReplayDetected), errors.Is(err, rxerrors.ErrStaleHead),
		errors.Is(err, rxerrors.ErrInvalidTransition), errors.Is(err, rxerrors.ErrChannelExists):
		status = http.StatusConflict
	case errors.Is(err, rxerrors.ErrFullyDispensed), errors.Is(err, rxerrors.ErrChannelExpired):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, otp.ErrInvalid), errors.Is(err, otp.ErrExpired), errors.Is(err, otp.ErrConsumed):
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
