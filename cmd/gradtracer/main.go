package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zach-source/gradtracer/internal/access"
	"github.com/zach-source/gradtracer/internal/config"
	"github.com/zach-source/gradtracer/internal/logging"
	"github.com/zach-source/gradtracer/internal/policy"
	"github.com/zach-source/gradtracer/internal/protocol"
)

func usage() {
	fmt.Fprintf(os.Stderr, `gradtracer - respondent access for Graduate Tracer forms

Usage:
  gradtracer access  --form=ID [--type=normal|quiz] [--require-email] [--closed]
  gradtracer replace --form=ID --code=CODE [--dismiss]
  gradtracer notify  --form=ID --email=EMAIL [--code=CODE] [--name=NAME]
  gradtracer check

Common Flags:
  --api=URL                 # respondent API base URL
  --storage=file|redis|memory
  --log-level=LEVEL

Environment:
  GT_API_URL, GT_STORAGE, GT_LOG_LEVEL, GT_INACTIVITY_WARNING, GT_AUTO_SIGNOUT, ...

Configuration is read from $XDG_CONFIG_HOME/gradtracer/config.yaml when present.
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "gradtracer:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string, in io.Reader, out io.Writer) error {
	cfg, path, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.StringVar(&cfg.APIURL, "api", cfg.APIURL, "respondent API base URL")
	fs.StringVar(&cfg.Storage, "storage", cfg.Storage, "durable storage: file|redis|memory")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level")
	fs.DurationVar((*time.Duration)(&cfg.InactivityWarning), "inactivity-warning", time.Duration(cfg.InactivityWarning), "idle time before the warning")
	fs.DurationVar((*time.Duration)(&cfg.AutoSignOut), "auto-signout", time.Duration(cfg.AutoSignOut), "idle time before sign-out")

	var form policy.Form
	var formType, code, email, name string
	var dismiss, closed bool
	switch cmd {
	case "access", "replace", "notify":
		fs.StringVar(&form.ID, "form", "", "form id")
	case "check":
	default:
		usage()
	}
	switch cmd {
	case "access":
		fs.StringVar(&formType, "type", string(policy.FormNormal), "form type: normal|quiz")
		fs.BoolVar(&form.RequireEmail, "require-email", false, "form requires a signed in respondent")
		fs.BoolVar(&closed, "closed", false, "form no longer accepts responses")
	case "replace":
		fs.StringVar(&code, "code", "", "one-time replace code")
		fs.BoolVar(&dismiss, "dismiss", false, "drop the other session without signing in")
	case "notify":
		fs.StringVar(&email, "email", "", "respondent email")
		fs.StringVar(&code, "code", "", "one-time replace code")
		fs.StringVar(&name, "name", "", "respondent name")
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, closer := logging.Init(cfg.Log, os.Stderr)
	defer closer.Close()
	if path != "" {
		logger.Debug("loaded config", slog.String("path", path))
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	switch cmd {
	case "access":
		if form.ID == "" {
			return errors.New("--form is required")
		}
		form.Type = policy.FormType(formType)
		form.AcceptResponses = !closed
		ctrl, err := a.controller(form)
		if err != nil {
			return err
		}
		defer ctrl.Close()
		return runAccess(ctx, ctrl, in, out)

	case "replace":
		route, err := resolveReplace(ctx, a.replacer(), form.ID, code, dismiss)
		if route.Path != "" {
			if route.Delay > 0 {
				select {
				case <-time.After(route.Delay):
				case <-ctx.Done():
				}
			}
			fmt.Fprintln(out, route.Path)
		}
		return err

	case "notify":
		req := protocol.RemovalEmailRequest{Email: email, FormID: form.ID, Code: code, Name: name}
		if err := a.client.SendRemovalEmail(ctx, req); err != nil {
			return err
		}
		fmt.Fprintln(out, "removal email sent")
		return nil

	case "check":
		resp, err := a.client.CheckSession(ctx)
		if err != nil {
			return err
		}
		if !resp.LoggedIn || resp.Respondent == nil {
			fmt.Fprintln(out, "not logged in")
			return nil
		}
		fmt.Fprintf(out, "logged in as %s\n", resp.Respondent.Email)
		return nil
	}
	return nil
}

func resolveReplace(ctx context.Context, r *access.Replacer, formID, code string, dismiss bool) (access.Route, error) {
	if dismiss {
		return r.Dismiss(ctx, formID, code)
	}
	return r.Terminate(ctx, formID, code)
}
