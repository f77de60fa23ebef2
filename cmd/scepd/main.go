// Command scepd runs the SCEP CA server: it bootstraps or loads the CA
// keystore, wires the protocol dispatcher, and serves SCEP over HTTP.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmhodges/clock"

	"scepca/internal/casigner"
	"scepca/internal/certlog"
	"scepca/internal/config"
	"scepca/internal/dispatcher"
	"scepca/internal/keystore"
	"scepca/internal/transport/httpscep"
)

func main() {
	configFile := flag.String("config", "", "Path to config file (optional)")
	flag.Parse()

	log.Println("Starting SCEP CA server...")

	cfg := config.LoadFromEnv()
	if *configFile != "" {
		// TODO: Load additional config from file
		log.Printf("Config file specified: %s", *configFile)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	clk := clock.New()

	log.Printf("Opening CA keystore: %s", cfg.CARoot)
	ks, err := keystore.Open(keystore.Config{
		Root:         cfg.CARoot,
		CommonName:   cfg.CommonName,
		Organization: cfg.Organization,
		Lifetime:     cfg.CALifetime,
		KeyBits:      cfg.KeyBits,
	}, clk)
	if err != nil {
		log.Fatalf("Failed to open CA keystore: %v", err)
	}

	signer := casigner.New(ks, clk, cfg.DeviceCertLifetime)

	var certLog *certlog.Log
	if cfg.CertLogPath != "" {
		log.Printf("Opening certificate log: %s", cfg.CertLogPath)
		certLog, err = certlog.Open(cfg.CertLogPath, clk)
		if err != nil {
			log.Fatalf("Failed to open certificate log: %v", err)
		}
		defer certLog.Close()
	} else {
		log.Println("WARNING: no SCEP_CERTLOG_PATH configured; GetCertInitial lookups will always fail")
	}

	d := dispatcher.New(ks, signer, certLog, dispatcher.Config{
		Challenge:                    cfg.Challenge,
		ForceDegenerateForSingleCert: cfg.ForceDegenerateForSingleCert,
	})

	mux := http.NewServeMux()
	httpscep.New(d).RegisterRoutes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: logMiddleware(mux),
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Println("Shutting down server...")
		server.Close()
	}()

	log.Printf("SCEP CA server listening on %s", cfg.ListenAddr)
	log.Printf("CA subject: %s", ks.Certificate().Subject)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server stopped")
}

// logMiddleware logs all HTTP requests.
func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
