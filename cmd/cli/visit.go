// cmd/cli/visit.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/and161185/visitgate/internal/camera"
	"github.com/and161185/visitgate/internal/model"
	"github.com/and161185/visitgate/internal/pass"
	"github.com/and161185/visitgate/internal/service"
)

// cmdVisit drives the full four-step registration/check-in flow from the
// terminal: verify the code, confirm or edit details, attach a photo and
// complete. Administrators additionally check the visitor in and render a
// printable pass.
func cmdVisit(ctx context.Context, a *app, args []string) {
	fs := flag.NewFlagSet("visit", flag.ExitOnError)
	code := fs.String("code", "", "invite code")
	roleName := fs.String("role", "public", "admin or public")
	name := fs.String("name", "", "visitor name (admin only)")
	email := fs.String("email", "", "visitor email (admin only)")
	phone := fs.String("phone", "", "visitor phone")
	purpose := fs.String("purpose", "", "purpose of visit")
	photoFile := fs.String("photo", "", "photo file to attach")
	frontImg := fs.String("front", "", "front camera source image")
	backImg := fs.String("back", "", "back camera source image")
	useExisting := fs.Bool("use-existing", false, "keep the photo already on the invite")
	passDir := fs.String("pass-dir", "", "pass output dir (default: state dir)")
	_ = fs.Parse(args)

	if *code == "" {
		fmt.Fprintln(os.Stderr, "need -code")
		os.Exit(1)
	}
	role := model.RolePublicVisitor
	if *roleName == "admin" {
		role = model.RoleAdministrator
	}

	var cam service.Camera
	if *frontImg != "" || *backImg != "" {
		cam = camera.New(&camera.FileDevice{FrontPath: *frontImg, BackPath: *backImg}, camera.Options{
			WarmupGrace: a.cfg.Camera.WarmupGrace,
			PreviewDir:  a.cfg.Camera.PreviewDir,
			Logger:      a.log,
		})
	}

	var passes service.PassRenderer
	if role == model.RoleAdministrator {
		dir := *passDir
		if dir == "" {
			dir = filepath.Join(a.cfg.Session.Dir, "passes")
		}
		r, err := pass.New(dir)
		if err != nil {
			fail(err)
		}
		passes = r
	}

	w := service.NewWorkflow(a.api, cam, service.WorkflowOptions{
		Role:     role,
		Passes:   passes,
		Notifier: a.store,
		Logger:   a.log,
	})
	defer w.Reset()

	if err := w.SubmitCode(ctx, *code); err != nil {
		fail(err)
	}
	inv := w.Invite()
	fmt.Printf("invite %s: %s, %s\n", inv.ID, inv.Name, inv.VisitTime.Format("Jan 2 15:04"))

	dirty := false
	edit := func(apply func() error) {
		if err := apply(); err != nil {
			fail(err)
		}
		dirty = true
	}
	if *name != "" {
		edit(func() error { return w.SetName(*name) })
	}
	if *email != "" {
		edit(func() error { return w.SetEmail(*email) })
	}
	if *phone != "" {
		edit(func() error { return w.SetPhone(*phone) })
	}
	if *purpose != "" {
		edit(func() error { return w.SetPurpose(*purpose) })
	}
	if dirty {
		if err := w.SaveDetails(ctx); err != nil {
			fail(err)
		}
	}
	if err := w.AdvanceToPhoto(); err != nil {
		fail(err)
	}

	switch {
	case *photoFile != "":
		data, err := readAll(*photoFile)
		if err != nil {
			fail(err)
		}
		if err := w.AttachPhoto(data, contentTypeOf(*photoFile)); err != nil {
			fail(err)
		}
	case cam != nil:
		facing := camera.FacingFront
		if *frontImg == "" {
			facing = camera.FacingBack
		}
		if err := w.StartCamera(ctx, facing); err != nil {
			fail(err)
		}
		if err := w.CapturePhoto(ctx); err != nil {
			fail(err)
		}
	case *useExisting:
		if !w.HasExistingImage() {
			fail(fmt.Errorf("invite %s carries no photo", inv.ID))
		}
		if err := w.UseExistingPhoto(ctx); err != nil {
			fail(err)
		}
	default:
		fmt.Fprintln(os.Stderr, "need -photo, -front/-back or -use-existing")
		os.Exit(1)
	}

	if err := w.Advance(ctx); err != nil {
		fail(err)
	}

	if role == model.RoleAdministrator {
		path, err := w.PrintPass(ctx)
		if err != nil {
			fail(err)
		}
		fmt.Printf("pass: %s\n", path)
	}
	if err := w.CloseFlow(ctx); err != nil {
		fail(err)
	}
	fmt.Println("done")
}
