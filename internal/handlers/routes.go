package handlers

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/keyauth"
	"github.com/gofiber/websocket/v2"
)

// Version is reported by /health.
const Version = "1.0.0"

// Routes groups the handlers mounted on the API.
type Routes struct {
	Jobs   *JobsHandler
	Upload *UploadHandler
	GDrive *GDriveHandler
	Stream *StreamHandler
	Karma  *KarmaHandler
	Roster *RosterHandler

	// Health checks the database. Nil reports healthy.
	Health func(ctx context.Context) error
	// AdminToken guards admin routes through the X-Admin-Token header.
	// Empty leaves them open.
	AdminToken string
}

// Mount registers every route on app. Nil handlers are skipped.
func (r Routes) Mount(app *fiber.App) {
	app.Get("/health", r.health)

	v1 := app.Group("/v1")
	admin := r.adminOnly()

	if r.Jobs != nil {
		v1.Post("/transcriptions", r.Jobs.Submit)
		v1.Get("/jobs/:id", r.Jobs.Status)
		v1.Get("/jobs/:id/wait", r.Jobs.Wait)
		v1.Get("/users/:id/jobs", r.Jobs.History)
		v1.Get("/stats", r.Jobs.Stats)
	}
	if r.Upload != nil {
		v1.Post("/transcriptions/upload", r.Upload.Handle)
	}
	if r.GDrive != nil {
		v1.Post("/transcriptions/gdrive", r.GDrive.Handle)
	}
	if r.Stream != nil {
		app.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		app.Get("/ws/jobs/:id", websocket.New(r.Stream.Handle))
	}

	if r.Karma != nil {
		v1.Post("/karma/users", r.Karma.Register)
		v1.Post("/karma/votes", r.Karma.Vote)
		v1.Post("/karma/reactions", r.Karma.React)
		v1.Post("/karma/messages", r.Karma.Message)
		v1.Get("/karma/top", r.Karma.Top)
		v1.Get("/karma/digest", r.Karma.Digest)
		v1.Get("/karma/:user", r.Karma.Stats)
		v1.Post("/karma/:user/add", admin, r.Karma.Add)
		v1.Post("/karma/:user/set", admin, r.Karma.Set)
	}

	if r.Roster != nil {
		v1.Get("/roster", r.Roster.ListMembers)
		v1.Get("/roster/:id", r.Roster.GetMember)
		v1.Post("/roster", admin, r.Roster.AddMember)
		v1.Put("/roster/:id", admin, r.Roster.UpdateMember)
		v1.Delete("/roster/:id", admin, r.Roster.DeleteMember)

		v1.Post("/applications", r.Roster.Apply)
		v1.Get("/users/:id/application", r.Roster.UserApplication)
		v1.Post("/joins", r.Roster.Join)
		v1.Get("/applications", admin, r.Roster.ListApplications)
		v1.Get("/applications/:id", admin, r.Roster.GetApplication)
		v1.Post("/applications/:id/approve", admin, r.Roster.Approve)
		v1.Post("/applications/:id/reject", admin, r.Roster.Reject)
		v1.Post("/applications/:id/complete", admin, r.Roster.Complete)

		v1.Get("/users/:id/invite", r.Roster.UserInvite)
		v1.Get("/invites", admin, r.Roster.ListInvites)
		v1.Get("/invites/lookup", admin, r.Roster.LookupInvite)
		v1.Delete("/invites/:id", admin, r.Roster.DeleteInvite)

		v1.Get("/blacklist/:user", r.Roster.CheckBlacklist)
		v1.Get("/blacklist", admin, r.Roster.ListBlacklist)
		v1.Post("/blacklist", admin, r.Roster.AddBlacklist)
		v1.Put("/blacklist/:user", admin, r.Roster.UpdateBlacklist)
		v1.Delete("/blacklist/:user", admin, r.Roster.RemoveBlacklist)
	}
}

func (r Routes) health(c *fiber.Ctx) error {
	if r.Health != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := r.Health(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status":  "unhealthy",
				"error":   err.Error(),
				"version": Version,
			})
		}
	}
	return c.JSON(fiber.Map{
		"status":  "healthy",
		"version": Version,
	})
}

func (r Routes) adminOnly() fiber.Handler {
	if r.AdminToken == "" {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	want := []byte(r.AdminToken)
	return keyauth.New(keyauth.Config{
		KeyLookup: "header:X-Admin-Token",
		Validator: func(_ *fiber.Ctx, key string) (bool, error) {
			if subtle.ConstantTimeCompare([]byte(key), want) == 1 {
				return true, nil
			}
			return false, keyauth.ErrMissingOrMalformedAPIKey
		},
		ErrorHandler: func(c *fiber.Ctx, _ error) error {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Admin token required",
				"code":  "ERR_UNAUTHORIZED",
			})
		},
	})
}
