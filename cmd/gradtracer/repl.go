package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/zach-source/gradtracer/internal/access"
	"github.com/zach-source/gradtracer/internal/client"
	"github.com/zach-source/gradtracer/internal/safestring"
	"github.com/zach-source/gradtracer/internal/session"
	"github.com/zach-source/gradtracer/internal/util"
)

const replHelp = `commands:
  login EMAIL PASSWORD   sign in
  guest NAME EMAIL       continue as guest
  continue               continue as the signed in respondent
  activity [EVENT]       record an interaction (default click)
  hide | show            page visibility
  reactivate             dismiss the inactivity warning
  verify                 check the session with the server
  switch                 switch user
  status                 print the current state
  quit`

// syncWriter serializes output from commands and timer notifications.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format+"\n", args...)
}

// runAccess reads commands from in until quit or EOF.
func runAccess(ctx context.Context, ctrl *access.Controller, in io.Reader, w io.Writer) error {
	out := &syncWriter{w: w}

	var lastState session.State
	var mu sync.Mutex
	unsubscribe := ctrl.Subscribe(func(info session.Info) {
		mu.Lock()
		defer mu.Unlock()
		if info.State == lastState {
			return
		}
		lastState = info.State
		switch info.State {
		case session.StateWarning:
			out.printf("warning: signing out in %ds unless you are active", info.CountdownSeconds())
		case session.StateSignedOut:
			out.printf("signed out after inactivity")
		}
	})
	defer unsubscribe()

	mode := ctrl.Init(ctx)
	out.printf("mode=%s", mode)

	sc := bufio.NewScanner(in)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			return nil
		}
		if err := dispatch(ctx, ctrl, out, fields[0], fields[1:]); err != nil {
			out.printf("error: %v", err)
		}
	}
	return sc.Err()
}

func dispatch(ctx context.Context, ctrl *access.Controller, out *syncWriter, cmd string, args []string) error {
	switch cmd {
	case "login":
		if len(args) != 2 {
			return errors.New("usage: login EMAIL PASSWORD")
		}
		if err := ctrl.Login(ctx, args[0], safestring.New(args[1])); err != nil {
			return err
		}
	case "guest":
		if len(args) < 2 {
			return errors.New("usage: guest NAME EMAIL")
		}
		email := args[len(args)-1]
		name := strings.Join(args[:len(args)-1], " ")
		id, err := ctrl.ContinueAsGuest(ctx, name, email)
		if err != nil {
			return err
		}
		out.printf("guest session %s", id.SessionID)
	case "continue":
		if err := ctrl.ContinueAsExisting(ctx); err != nil {
			return err
		}
	case "activity":
		e := session.EventClick
		if len(args) > 0 {
			e = session.Event(args[0])
		}
		if !e.IsActivity() {
			names := util.Map(session.ActivityEvents, func(e session.Event) string { return string(e) })
			return fmt.Errorf("unknown event %q (want one of %s)", e, strings.Join(names, ", "))
		}
		if !ctrl.Activity(ctx, e) {
			out.printf("activity ignored")
		}
		return nil
	case "hide":
		ctrl.SetVisibility(ctx, false)
		return nil
	case "show":
		ctrl.SetVisibility(ctx, true)
		if ctrl.Status().Inactivity.WelcomeBack {
			out.printf("welcome back")
			ctrl.DismissWelcomeBack()
		}
		return nil
	case "reactivate":
		if err := ctrl.Reactivate(ctx); err != nil {
			return err
		}
	case "verify":
		v, err := ctrl.Verify(ctx)
		if err != nil {
			return err
		}
		switch v.Kind {
		case client.KindOK:
			out.printf("session valid")
		case client.KindExpired:
			out.printf("session expired")
		}
	case "switch":
		if err := ctrl.SwitchUser(ctx); err != nil {
			out.printf("error: %v", err)
		}
	case "status":
		printStatus(out, ctrl.Status())
		return nil
	case "help":
		out.printf("%s", replHelp)
		return nil
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
	out.printf("mode=%s", ctrl.Mode())
	return nil
}

func printStatus(out *syncWriter, st access.Status) {
	user := st.UserKey
	if st.Guest != nil {
		user = st.Guest.Email
	}
	out.printf("mode=%s form=%s user=%s inactivity=%s countdown=%ds guest_allowed=%t requires_auth=%t closed=%t existing=%s",
		st.Mode, st.FormID, user, st.Inactivity.State, st.Inactivity.CountdownSeconds(),
		st.Access.AllowsGuestAccess, st.Access.RequiresAuthentication, st.Closed, st.ExistingUser)
}
