// Command authdemo exercises the client library end to end against a live
// authentication server: it logs in with credentials from the environment,
// keeps the session alive until interrupted, then logs out.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-auth-client/auth"
	"github.com/jrsteele09/go-auth-client/httpclient"
	"github.com/jrsteele09/go-auth-client/internal/config"
	"github.com/jrsteele09/go-auth-client/storage"
	"github.com/jrsteele09/go-auth-client/token"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error running authdemo: %s\n", err)
	}
	log.Printf("Stopped\n")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	displayAppname(c.GetAppName())
	logger := newLogger(c.GetLogLevel())

	store := storage.NewMemoryStore()
	tokens, err := token.NewManager(store, token.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("token.NewManager: %w", err)
	}

	base := httpclient.NewClient(c.GetBaseURL(), tokens,
		httpclient.WithTimeout(c.GetRequestTimeout()),
		httpclient.WithClientLogger(logger))

	service, err := auth.NewService(base, auth.NewStoreCredentialsRepo(store),
		auth.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("auth.NewService: %w", err)
	}
	defer service.Close()

	ctx := context.Background()
	result, err := service.Login(ctx, c.GetUsername(), c.GetPassword())
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	logger.Info().
		Str("user", result.User.DisplayName()).
		Int64("expires_in", result.ExpiresIn).
		Msg("logged in")

	waitForStopSignal()

	logout := service.Logout(ctx)
	logger.Info().
		Bool("server_notified", logout.ServerNotified).
		Bool("credentials_cleared", logout.CredentialsCleared).
		Msg("logged out")
	return nil
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(parsed).
		With().Timestamp().Logger()
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
