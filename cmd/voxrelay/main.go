package main

import (
	"log/syslog"
	"net/http"
	"os"

	docopt "github.com/docopt/docopt-go"
	mozlog "github.com/mozilla-services/go-mozlogrus"
	log "github.com/sirupsen/logrus"
	lSyslog "github.com/sirupsen/logrus/hooks/syslog"

	"github.com/voxrelay/voxrelay/nonce"
	"github.com/voxrelay/voxrelay/relay"
	"github.com/voxrelay/voxrelay/server"
	"github.com/voxrelay/voxrelay/token"
)

const usage = `Voxrelay Server

Usage: voxrelay [-h | --help]

Environment:
 UPSTREAM_API_KEY (required)                 credential for the speech-recognition upstream
 SESSION_SIGNING_SECRET (optional)           HMAC secret for session tokens; if absent a
                                             random secret is generated and nonce
                                             enforcement is DISABLED
 HOST (optional; defaults to 0.0.0.0)        listen host
 PORT (optional; defaults to 8080)           listen port
 UPSTREAM_URL (optional)                     speech-recognition endpoint; defaults to
                                             wss://api.deepgram.com/v1/listen
 STATIC_DIR (optional; defaults to public)   directory holding the web client
 DEV_SERVER_URL (optional)                   front-end dev server to proxy page requests to
 METADATA_FILE (optional)                    defaults to voxrelay.yaml
 SYSLOG_ADDR (optional)                      address to which to send syslog output
 ENV                                         set to "production" for mozlog output

Options:
-h --help       Show help`

func main() {
	_, _ = docopt.Parse(usage, nil, true, "voxrelay", false)

	logger := log.New()

	if env := os.Getenv("ENV"); env == "production" {
		// add mozlog formatter
		logger.Formatter = &mozlog.MozLogFormatter{
			LoggerName: "voxrelay",
		}

		// add syslog hook if addr is provided
		syslogAddr := os.Getenv("SYSLOG_ADDR")
		if syslogAddr != "" {
			hook, err := lSyslog.NewSyslogHook("udp", syslogAddr, syslog.LOG_DEBUG, "voxrelay")
			if err != nil {
				panic(err)
			}
			logger.Hooks.Add(hook)
		}
	}

	// the upstream credential is startup-required config
	upstreamKey := os.Getenv("UPSTREAM_API_KEY")
	if upstreamKey == "" {
		logger.Fatal("UPSTREAM_API_KEY is required")
	}

	upstreamURL := os.Getenv("UPSTREAM_URL")
	if upstreamURL == "" {
		upstreamURL = "wss://api.deepgram.com/v1/listen"
	}

	signingSecret := os.Getenv("SESSION_SIGNING_SECRET")
	enforceNonce := signingSecret != ""
	if !enforceNonce {
		logger.Warn("SESSION_SIGNING_SECRET not set: using a generated secret and " +
			"issuing session tokens WITHOUT nonce checks; do not run this mode in production")
	}

	host := os.Getenv("HOST")
	if host == "" {
		host = "0.0.0.0"
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	staticDir := os.Getenv("STATIC_DIR")
	if staticDir == "" {
		staticDir = "public"
	}
	metadataFile := os.Getenv("METADATA_FILE")
	if metadataFile == "" {
		metadataFile = "voxrelay.yaml"
	}

	nonces := nonce.NewStore(nonce.DefaultTTL)
	nonces.StartSweeping(nonce.DefaultSweepInterval)
	defer nonces.Stop()

	tokens := token.NewIssuer([]byte(signingSecret), token.DefaultTTL)

	relayHandler := relay.New(relay.Config{
		Verifier:    tokens,
		UpstreamURL: upstreamURL,
		UpstreamKey: upstreamKey,
		Logger:      logger,
	})

	srv, err := server.New(server.Config{
		Nonces:       nonces,
		Tokens:       tokens,
		EnforceNonce: enforceNonce,
		Relay:        relayHandler,
		StaticDir:    staticDir,
		DevServerURL: os.Getenv("DEV_SERVER_URL"),
		MetadataFile: metadataFile,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal(err)
	}

	addr := host + ":" + port
	httpServer := &http.Server{Addr: addr, Handler: srv}
	defer func() {
		_ = httpServer.Close()
	}()

	logger.WithFields(log.Fields{
		"server-addr":   addr,
		"upstream-url":  upstreamURL,
		"enforce-nonce": enforceNonce,
	}).Info("starting server")

	if err := httpServer.ListenAndServe(); err != nil {
		logger.Fatal(err)
	}
}
