package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/clubbot/internal/karma"
)

// KarmaHandler exposes member reputation to the chat client.
type KarmaHandler struct {
	karma *karma.Service
}

func NewKarmaHandler(svc *karma.Service) *KarmaHandler {
	return &KarmaHandler{karma: svc}
}

type registerRequest struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

type voteRequest struct {
	Target  int64  `json:"target"`
	ActorID int64  `json:"actor_id"`
	ChatID  int64  `json:"chat_id"`
	MsgID   int64  `json:"msg_id"`
	Delta   int    `json:"delta"`
	Reason  string `json:"reason"`
}

type reactionRequest struct {
	ChatID  int64    `json:"chat_id"`
	MsgID   int64    `json:"msg_id"`
	ActorID int64    `json:"actor_id"`
	Old     []string `json:"old"`
	New     []string `json:"new"`
}

// messageRequest announces a chat message. Text, when present, is checked
// for a positive reply to ReplyTo.
type messageRequest struct {
	ChatID   int64  `json:"chat_id"`
	MsgID    int64  `json:"msg_id"`
	AuthorID int64  `json:"author_id"`
	ReplyTo  int64  `json:"reply_to"`
	Text     string `json:"text"`
}

type adjustRequest struct {
	Value int64 `json:"value"`
}

func (h *KarmaHandler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil || req.UserID == 0 {
		return badRequest(c, "user_id is required")
	}
	if err := h.karma.Register(c.UserContext(), req.UserID, req.Username); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *KarmaHandler) Vote(c *fiber.Ctx) error {
	var req voteRequest
	if err := c.BodyParser(&req); err != nil || req.Target == 0 {
		return badRequest(c, "target is required")
	}
	if req.Reason == "" {
		req.Reason = karma.ReasonAdmin
	}
	applied, err := h.karma.Vote(c.UserContext(), karma.Vote{
		Target:  req.Target,
		ActorID: req.ActorID,
		ChatID:  req.ChatID,
		MsgID:   req.MsgID,
		Delta:   req.Delta,
		Reason:  req.Reason,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"applied": applied})
}

func (h *KarmaHandler) React(c *fiber.Ctx) error {
	var req reactionRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	applied, err := h.karma.React(c.UserContext(), karma.Reaction{
		ChatID:  req.ChatID,
		MsgID:   req.MsgID,
		ActorID: req.ActorID,
		Old:     req.Old,
		New:     req.New,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"applied": applied})
}

// Message records the author of a chat message and, for replies, scores the
// replied-to author.
func (h *KarmaHandler) Message(c *fiber.Ctx) error {
	var req messageRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	ctx := c.UserContext()
	if err := h.karma.RecordAuthor(ctx, req.ChatID, req.MsgID, req.AuthorID); err != nil {
		return respondError(c, err)
	}
	if req.ReplyTo == 0 || req.Text == "" {
		return c.JSON(fiber.Map{"applied": false})
	}

	target, ok, err := h.karma.AuthorOf(ctx, req.ChatID, req.ReplyTo)
	if err != nil {
		return respondError(c, err)
	}
	if !ok {
		return c.JSON(fiber.Map{"applied": false})
	}
	applied, err := h.karma.Reply(ctx, karma.Reply{
		ChatID:   req.ChatID,
		MsgID:    req.ReplyTo,
		AuthorID: target,
		ActorID:  req.AuthorID,
		Text:     req.Text,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"applied": applied})
}

func (h *KarmaHandler) Stats(c *fiber.Ctx) error {
	userID, err := paramInt64(c, "user")
	if err != nil {
		return respondError(c, err)
	}
	st, err := h.karma.Stats(c.UserContext(), userID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(st)
}

func (h *KarmaHandler) Top(c *fiber.Ctx) error {
	limit, err := queryInt(c, "limit", 10)
	if err != nil {
		return respondError(c, err)
	}
	top, err := h.karma.Top(c.UserContext(), limit)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"top": top})
}

func (h *KarmaHandler) Digest(c *fiber.Ctx) error {
	digest, err := h.karma.Digest(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"digest": digest})
}

// Add moves a member's points by value; admin only.
func (h *KarmaHandler) Add(c *fiber.Ctx) error {
	userID, req, err := h.adjust(c)
	if err != nil {
		return respondError(c, err)
	}
	points, err := h.karma.Add(c.UserContext(), userID, req.Value)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"user_id": userID, "points": points})
}

// Set overwrites a member's points; admin only.
func (h *KarmaHandler) Set(c *fiber.Ctx) error {
	userID, req, err := h.adjust(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := h.karma.Set(c.UserContext(), userID, req.Value); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"user_id": userID, "points": req.Value})
}

func (h *KarmaHandler) adjust(c *fiber.Ctx) (int64, adjustRequest, error) {
	var req adjustRequest
	userID, err := paramInt64(c, "user")
	if err != nil {
		return 0, req, err
	}
	if err := c.BodyParser(&req); err != nil {
		return 0, req, invalidBody()
	}
	return userID, req, nil
}
