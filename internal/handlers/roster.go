package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/clubbot/internal/roster"
)

// RosterHandler serves membership: the roster, join applications, invites
// and the blacklist.
type RosterHandler struct {
	roster       *roster.Roster
	applications *roster.Applications
	invites      *roster.Invites
	blacklist    *roster.Blacklist
}

func NewRosterHandler(r *roster.Roster, a *roster.Applications, i *roster.Invites, b *roster.Blacklist) *RosterHandler {
	return &RosterHandler{roster: r, applications: a, invites: i, blacklist: b}
}

func pageOf(c *fiber.Ctx) (roster.Page, error) {
	index, err := queryInt(c, "page", 0)
	if err != nil {
		return roster.Page{}, err
	}
	size, err := queryInt(c, "size", 10)
	if err != nil {
		return roster.Page{}, err
	}
	return roster.Page{Index: index, Size: size}, nil
}

type slugRequest struct {
	Slug string `json:"slug"`
}

// ListMembers pages through the roster, or searches it when q is set.
func (h *RosterHandler) ListMembers(c *fiber.Ctx) error {
	p, err := pageOf(c)
	if err != nil {
		return respondError(c, err)
	}
	ctx := c.UserContext()
	if q := c.Query("q"); q != "" {
		total, members, err := h.roster.Search(ctx, q, p)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"total": total, "members": members})
	}
	total, err := h.roster.Count(ctx)
	if err != nil {
		return respondError(c, err)
	}
	members, err := h.roster.Page(ctx, p)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"total": total, "members": members})
}

func (h *RosterHandler) AddMember(c *fiber.Ctx) error {
	var req slugRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, invalidBody())
	}
	m, err := h.roster.Add(c.UserContext(), req.Slug)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(m)
}

func (h *RosterHandler) GetMember(c *fiber.Ctx) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	m, err := h.roster.Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(m)
}

func (h *RosterHandler) UpdateMember(c *fiber.Ctx) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req slugRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, invalidBody())
	}
	if err := h.roster.UpdateSlug(c.UserContext(), id, req.Slug); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *RosterHandler) DeleteMember(c *fiber.Ctx) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	if err := h.roster.Delete(c.UserContext(), id); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type applyRequest struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Slug     string `json:"slug"`
}

func (h *RosterHandler) Apply(c *fiber.Ctx) error {
	var req applyRequest
	if err := c.BodyParser(&req); err != nil || req.UserID == 0 {
		return badRequest(c, "user_id and slug are required")
	}
	app, err := h.applications.Apply(c.UserContext(), req.UserID, req.Username, req.Slug)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(app)
}

func (h *RosterHandler) ListApplications(c *fiber.Ctx) error {
	p, err := pageOf(c)
	if err != nil {
		return respondError(c, err)
	}
	status := c.Query("status")
	ctx := c.UserContext()
	total, err := h.applications.Count(ctx, status)
	if err != nil {
		return respondError(c, err)
	}
	apps, err := h.applications.Page(ctx, p, status)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"total": total, "applications": apps})
}

func (h *RosterHandler) GetApplication(c *fiber.Ctx) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	app, err := h.applications.Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(app)
}

// UserApplication returns the user's newest application, 404 when none.
func (h *RosterHandler) UserApplication(c *fiber.Ctx) error {
	userID, err := paramInt64(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	app, err := h.applications.LastForUser(c.UserContext(), userID)
	if err != nil {
		return respondError(c, err)
	}
	if app == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "No application", "code": "NotFound"})
	}
	return c.JSON(app)
}

func (h *RosterHandler) Approve(c *fiber.Ctx) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	app, err := h.applications.Approve(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(app)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *RosterHandler) Reject(c *fiber.Ctx) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req rejectRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return respondError(c, invalidBody())
		}
	}
	app, err := h.applications.Reject(c.UserContext(), id, req.Reason)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(app)
}

type completeRequest struct {
	UserID    int64     `json:"user_id"`
	ChatID    int64     `json:"chat_id"`
	Link      string    `json:"invite_link"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Complete records the personal invite issued for an approved application.
func (h *RosterHandler) Complete(c *fiber.Ctx) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req completeRequest
	if err := c.BodyParser(&req); err != nil || req.Link == "" {
		return badRequest(c, "invite_link and expires_at are required")
	}
	inv, err := h.applications.Complete(c.UserContext(), id, req.UserID, req.ChatID, req.Link, req.ExpiresAt)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(inv)
}

type joinRequest struct {
	UserID int64  `json:"user_id"`
	Link   string `json:"invite_link"`
}

// Join reconciles a member who joined the chat.
func (h *RosterHandler) Join(c *fiber.Ctx) error {
	var req joinRequest
	if err := c.BodyParser(&req); err != nil || req.UserID == 0 {
		return badRequest(c, "user_id is required")
	}
	res, err := h.applications.Join(c.UserContext(), req.UserID, req.Link)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}

func (h *RosterHandler) ListInvites(c *fiber.Ctx) error {
	p, err := pageOf(c)
	if err != nil {
		return respondError(c, err)
	}
	activeOnly := c.QueryBool("active", false)
	ctx := c.UserContext()
	total, err := h.invites.Count(ctx, activeOnly)
	if err != nil {
		return respondError(c, err)
	}
	invites, err := h.invites.Page(ctx, p, activeOnly)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"total": total, "invites": invites})
}

// UserInvite returns the user's active invite, 404 when none.
func (h *RosterHandler) UserInvite(c *fiber.Ctx) error {
	userID, err := paramInt64(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	inv, err := h.invites.Active(c.UserContext(), userID)
	if err != nil {
		return respondError(c, err)
	}
	if inv == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "No active invite", "code": "NotFound"})
	}
	return c.JSON(inv)
}

func (h *RosterHandler) LookupInvite(c *fiber.Ctx) error {
	link := c.Query("link")
	if link == "" {
		return badRequest(c, "link is required")
	}
	inv, err := h.invites.FindByLink(c.UserContext(), link)
	if err != nil {
		return respondError(c, err)
	}
	if inv == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Invite not found", "code": "NotFound"})
	}
	return c.JSON(inv)
}

func (h *RosterHandler) DeleteInvite(c *fiber.Ctx) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	if err := h.invites.Delete(c.UserContext(), id); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type blacklistRequest struct {
	UserID int64  `json:"user_id"`
	Reason string `json:"reason"`
}

func (h *RosterHandler) ListBlacklist(c *fiber.Ctx) error {
	p, err := pageOf(c)
	if err != nil {
		return respondError(c, err)
	}
	ctx := c.UserContext()
	total, err := h.blacklist.Count(ctx)
	if err != nil {
		return respondError(c, err)
	}
	entries, err := h.blacklist.Page(ctx, p)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"total": total, "entries": entries})
}

func (h *RosterHandler) CheckBlacklist(c *fiber.Ctx) error {
	userID, err := paramInt64(c, "user")
	if err != nil {
		return respondError(c, err)
	}
	listed, err := h.blacklist.Contains(c.UserContext(), userID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"user_id": userID, "blacklisted": listed})
}

func (h *RosterHandler) AddBlacklist(c *fiber.Ctx) error {
	var req blacklistRequest
	if err := c.BodyParser(&req); err != nil || req.UserID == 0 {
		return badRequest(c, "user_id is required")
	}
	if err := h.blacklist.Add(c.UserContext(), req.UserID, req.Reason); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *RosterHandler) UpdateBlacklist(c *fiber.Ctx) error {
	userID, err := paramInt64(c, "user")
	if err != nil {
		return respondError(c, err)
	}
	var req blacklistRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, invalidBody())
	}
	if err := h.blacklist.UpdateReason(c.UserContext(), userID, req.Reason); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *RosterHandler) RemoveBlacklist(c *fiber.Ctx) error {
	userID, err := paramInt64(c, "user")
	if err != nil {
		return respondError(c, err)
	}
	if err := h.blacklist.Remove(c.UserContext(), userID); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
