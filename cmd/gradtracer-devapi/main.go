package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/zach-source/gradtracer/internal/logging"
	"github.com/zach-source/gradtracer/internal/server"
)

// seedList collects repeated --respondent EMAIL:NAME:PASSWORD flags
type seedList []string

func (s *seedList) String() string     { return strings.Join(*s, ",") }
func (s *seedList) Set(v string) error { *s = append(*s, v); return nil }

func main() {
	var addr, secret, logLevel, replaceFor string
	var tokenTTL time.Duration
	var seeds seedList

	flag.StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	flag.StringVar(&secret, "secret", "", "token signing secret (random when empty)")
	flag.DurationVar(&tokenTTL, "token-ttl", 12*time.Hour, "token lifetime")
	flag.StringVar(&logLevel, "log-level", "info", "log level")
	flag.Var(&seeds, "respondent", "seed respondent EMAIL:NAME:PASSWORD (repeatable)")
	flag.StringVar(&replaceFor, "replace-code", "", "issue a replace code for FORM:EMAIL at startup")
	flag.Parse()

	logger, closer := logging.Init(logging.Config{Level: logLevel}, os.Stderr)
	defer closer.Close()

	srv := server.New(server.Config{
		Addr:     addr,
		Secret:   []byte(secret),
		TokenTTL: tokenTTL,
		Logger:   logger,
	})

	if len(seeds) == 0 {
		seeds = seedList{"ann@example.com:Ann:password"}
	}
	for _, seed := range seeds {
		parts := strings.SplitN(seed, ":", 3)
		if len(parts) != 3 {
			fmt.Fprintf(os.Stderr, "invalid --respondent %q, want EMAIL:NAME:PASSWORD\n", seed)
			os.Exit(2)
		}
		if err := srv.AddRespondent(parts[0], parts[1], parts[2]); err != nil {
			fmt.Fprintln(os.Stderr, "seed:", err)
			os.Exit(1)
		}
		logger.Info("seeded respondent", slog.String("email", parts[0]))
	}

	if replaceFor != "" {
		formID, email, ok := strings.Cut(replaceFor, ":")
		if !ok {
			fmt.Fprintf(os.Stderr, "invalid --replace-code %q, want FORM:EMAIL\n", replaceFor)
			os.Exit(2)
		}
		code := srv.IssueReplaceCode(formID, email)
		logger.Info("issued replace code", slog.String("form_id", formID), slog.String("email", email), slog.String("code", code))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Serve(ctx); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
