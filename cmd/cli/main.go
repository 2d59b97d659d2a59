// Command vg is a CLI client for the VisitGate backend.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/visitgate/internal/client"
	"github.com/and161185/visitgate/internal/config"
	"github.com/and161185/visitgate/internal/errs"
	"github.com/and161185/visitgate/internal/logs"
	"github.com/and161185/visitgate/internal/model"
	"github.com/and161185/visitgate/internal/repository/file"
	"github.com/and161185/visitgate/internal/service"
)

// ---- app wiring ----

type app struct {
	cfg   *config.Config
	log   *zap.Logger
	store *file.Store
	api   *client.Client
}

func buildApp(baseOverride string) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		// -base lets one-off invocations run without a config file
		if baseOverride == "" {
			return nil, err
		}
		cfg = &config.Config{}
		cfg.Backend.Timeout = 30 * time.Second
		cfg.Session.Validity = 7 * 24 * time.Hour
		cfg.Session.RefreshThreshold = 2 * 24 * time.Hour
		cfg.Session.CheckInterval = 5 * time.Minute
		cfg.Camera.WarmupGrace = 2 * time.Second
		cfg.Camera.PreviewDir = os.TempDir()
		cfg.Logging.Level = "info"
	}
	if baseOverride != "" {
		cfg.Backend.BaseURL = baseOverride
	}
	if cfg.Session.Dir == "" {
		cfg.Session.Dir = stateDir()
	}

	log := logs.New(cfg.Logging.Level)
	store, err := file.New(cfg.Session.Dir)
	if err != nil {
		return nil, fmt.Errorf("open state dir: %w", err)
	}
	api, err := client.New(store, client.Options{
		BaseURL:          cfg.Backend.BaseURL,
		Validity:         cfg.Session.Validity,
		RefreshThreshold: cfg.Session.RefreshThreshold,
		Logger:           log,
	})
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, store: store, api: api}, nil
}

func (a *app) controller() *service.SessionController {
	return service.NewSessionController(a.api, a.store, a.store, service.ControllerOptions{
		CheckInterval: a.cfg.Session.CheckInterval,
		Logger:        a.log,
	})
}

func stateDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "visitgate")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "visitgate")
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func contentTypeOf(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func optStr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func usage() {
	fmt.Fprintf(os.Stderr, `vg CLI
Usage:
  vg [-base URL] <cmd> [args]

Commands:
  version
  register        -u <email> -n <name> -p <password>
  verify-otp      -u <email> -otp <code>
  login           -u <email> -p <password>            (saves session)
  logout
  me                                               (prints profile)
  status                                           (session state)
  update-profile  [-name N] [-phone P] [-company C] [-department D]
                  [-position P] [-address A] [-bio B] [-avatar file]
  change-password -current <pw> -new <pw>
  reset-request   -u <email>
  reset-confirm   -token <t> -p <password>
  invite-verify   -code <6 chars>
  invite-photo    -code <6 chars> -file <image>        (capture)
  invite-checkin  -id <invite id>
  visit           -code <6 chars> -role admin|public [flags]  (full flow)
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands over the shared backend client.
func main() {
	base := flag.String("base", "", "backend base URL (overrides config)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)

	if cmd == "version" {
		fmt.Printf("vg %s (%s)\n", version, buildDate)
		return
	}

	a, err := buildApp(*base)
	if err != nil {
		fail(err)
	}
	defer func() { _ = a.log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Backend.Timeout)
	defer cancel()

	switch cmd {

	case "register":
		fs := flag.NewFlagSet("register", flag.ExitOnError)
		u := fs.String("u", "", "email")
		n := fs.String("n", "", "full name")
		p := fs.String("p", "", "password")
		_ = fs.Parse(flag.Args()[1:])
		if *u == "" || *n == "" || *p == "" {
			fmt.Fprintln(os.Stderr, "need -u, -n and -p")
			os.Exit(1)
		}
		if err := a.api.Register(ctx, *u, *n, *p); err != nil {
			fail(err)
		}
		fmt.Println("registered; check your mailbox for the OTP code")

	case "verify-otp":
		fs := flag.NewFlagSet("verify-otp", flag.ExitOnError)
		u := fs.String("u", "", "email")
		otp := fs.String("otp", "", "one-time code")
		_ = fs.Parse(flag.Args()[1:])
		if *u == "" || *otp == "" {
			fmt.Fprintln(os.Stderr, "need -u and -otp")
			os.Exit(1)
		}
		if err := a.api.VerifyOTP(ctx, *u, *otp); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		u := fs.String("u", "", "email")
		p := fs.String("p", "", "password")
		_ = fs.Parse(flag.Args()[1:])
		if *u == "" || *p == "" {
			fmt.Fprintln(os.Stderr, "need -u and -p")
			os.Exit(1)
		}
		ctl := a.controller()
		defer ctl.Close()
		if err := ctl.Login(ctx, *u, *p); err != nil {
			fail(err)
		}
		if u := ctl.User(); u != nil {
			fmt.Printf("logged in as %s (%s)\n", u.Name, u.Email)
		} else {
			fmt.Println("ok")
		}

	case "logout":
		ctl := a.controller()
		ctl.Initialize(ctx)
		ctl.Logout(ctx)
		ctl.Close()
		fmt.Println("ok")

	case "me":
		ctl := a.controller()
		defer ctl.Close()
		ctl.Initialize(ctx)
		if !ctl.IsAuthenticated() {
			fail(errs.ErrNoSession)
		}
		printJSON(ctl.User())

	case "status":
		ctl := a.controller()
		defer ctl.Close()
		ctl.Initialize(ctx)
		out := map[string]any{"state": ctl.State().String()}
		if err := ctl.Err(); err != nil {
			out["error"] = err.Error()
		}
		if a.api.ShouldRefresh() {
			out["refresh_due"] = true
		}
		printJSON(out)

	case "update-profile":
		fs := flag.NewFlagSet("update-profile", flag.ExitOnError)
		name := fs.String("name", "", "full name")
		phone := fs.String("phone", "", "phone")
		company := fs.String("company", "", "company")
		department := fs.String("department", "", "department")
		position := fs.String("position", "", "position")
		address := fs.String("address", "", "address")
		bio := fs.String("bio", "", "bio")
		avatarFile := fs.String("avatar", "", "avatar image file")
		_ = fs.Parse(flag.Args()[1:])

		frag := model.ProfileFragment{
			Name:       optStr(*name),
			Phone:      optStr(*phone),
			Company:    optStr(*company),
			Department: optStr(*department),
			Position:   optStr(*position),
			Address:    optStr(*address),
			Bio:        optStr(*bio),
		}
		var avatar *client.AvatarUpload
		if *avatarFile != "" {
			data, err := readAll(*avatarFile)
			if err != nil {
				fail(err)
			}
			avatar = &client.AvatarUpload{
				Filename:    filepath.Base(*avatarFile),
				ContentType: contentTypeOf(*avatarFile),
				Data:        data,
			}
		}
		u, err := a.api.UpdateProfile(ctx, frag, avatar)
		if err != nil {
			fail(err)
		}
		printJSON(u)

	case "change-password":
		fs := flag.NewFlagSet("change-password", flag.ExitOnError)
		current := fs.String("current", "", "current password")
		next := fs.String("new", "", "new password")
		_ = fs.Parse(flag.Args()[1:])
		if *current == "" || *next == "" {
			fmt.Fprintln(os.Stderr, "need -current and -new")
			os.Exit(1)
		}
		if err := a.api.ChangePassword(ctx, *current, *next); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "reset-request":
		fs := flag.NewFlagSet("reset-request", flag.ExitOnError)
		u := fs.String("u", "", "email")
		_ = fs.Parse(flag.Args()[1:])
		if *u == "" {
			fmt.Fprintln(os.Stderr, "need -u")
			os.Exit(1)
		}
		if err := a.api.RequestPasswordReset(ctx, *u); err != nil {
			fail(err)
		}
		fmt.Println("reset link requested")

	case "reset-confirm":
		fs := flag.NewFlagSet("reset-confirm", flag.ExitOnError)
		token := fs.String("token", "", "reset token")
		p := fs.String("p", "", "new password")
		_ = fs.Parse(flag.Args()[1:])
		if *token == "" || *p == "" {
			fmt.Fprintln(os.Stderr, "need -token and -p")
			os.Exit(1)
		}
		if err := a.api.ConfirmPasswordReset(ctx, *token, *p); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "invite-verify":
		fs := flag.NewFlagSet("invite-verify", flag.ExitOnError)
		code := fs.String("code", "", "invite code")
		_ = fs.Parse(flag.Args()[1:])
		if *code == "" {
			fmt.Fprintln(os.Stderr, "need -code")
			os.Exit(1)
		}
		inv, err := a.api.Verify(ctx, *code)
		if err != nil {
			fail(err)
		}
		printJSON(inv)

	case "invite-photo":
		fs := flag.NewFlagSet("invite-photo", flag.ExitOnError)
		code := fs.String("code", "", "invite code")
		photoFile := fs.String("file", "", "photo file ('-'=stdin)")
		_ = fs.Parse(flag.Args()[1:])
		if *code == "" || *photoFile == "" {
			fmt.Fprintln(os.Stderr, "need -code and -file")
			os.Exit(1)
		}
		data, err := readAll(*photoFile)
		if err != nil {
			fail(err)
		}
		inv, err := a.api.UploadPhotoAndCapture(ctx, *code, client.PhotoUpload{
			Filename:    filepath.Base(*photoFile),
			ContentType: contentTypeOf(*photoFile),
			Data:        data,
		})
		if err != nil {
			fail(err)
		}
		printJSON(inv)

	case "invite-checkin":
		fs := flag.NewFlagSet("invite-checkin", flag.ExitOnError)
		id := fs.String("id", "", "invite id")
		_ = fs.Parse(flag.Args()[1:])
		if *id == "" {
			fmt.Fprintln(os.Stderr, "need -id")
			os.Exit(1)
		}
		if err := a.api.CheckIn(ctx, *id); err != nil {
			fail(err)
		}
		fmt.Println("checked in")

	case "visit":
		cmdVisit(ctx, a, flag.Args()[1:])

	default:
		usage()
	}
}

// ---- helpers ----

func fail(err error) {
	var ve *errs.ValidationError
	if errors.As(err, &ve) {
		for field, msgs := range ve.Fields {
			for _, m := range msgs {
				fmt.Fprintf(os.Stderr, "%s: %s\n", field, m)
			}
		}
		os.Exit(1)
	}
	var ae *errs.APIError
	if errors.As(err, &ae) {
		fmt.Fprintf(os.Stderr, "api error: status=%d msg=%s\n", ae.Status, ae.Message)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
