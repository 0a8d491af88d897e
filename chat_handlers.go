package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type NewMessageInput struct {
	ID     string     `json:"id" binding:"omitempty,uuid"`
	Text   string     `json:"text" binding:"required,max=4000"`
	SentAt *time.Time `json:"sentAt"`
}

type PostMessagesReq struct {
	Messages []NewMessageInput `json:"messages" binding:"required,min=1,max=100,dive"`
}

// ClientID names the device a write came from; it breaks ties between the
// sender's own concurrent writes.
type EditMessageReq struct {
	Text     string    `json:"text" binding:"required,max=4000"`
	EditedAt time.Time `json:"editedAt" binding:"required"`
	ClientID string    `json:"clientId" binding:"max=36"`
}

type DeleteMessageReq struct {
	EditedAt time.Time `json:"editedAt" binding:"required"`
	ClientID string    `json:"clientId" binding:"max=36"`
}

func writerStamp(actor Actor, clientID string) string {
	if clientID = strings.TrimSpace(clientID); clientID == "" {
		return actor.PublicID
	}
	return actor.PublicID + "/" + clientID
}

type MarkReadReq struct {
	MessageIDs []string `json:"messageIds" binding:"required,min=1,max=100,dive,required"`
}

// supersedes reports whether a write stamped (at, by) wins over the stored
// stamp: the later timestamp wins, and on a tie the greater writer id wins.
func supersedes(storedAt time.Time, storedBy string, at time.Time, by string) bool {
	if !at.Equal(storedAt) {
		return at.After(storedAt)
	}
	return by > storedBy
}

func roomParam(c *gin.Context, actor Actor) string {
	// rooms are scoped per org
	return actor.OrgID + ":" + strings.TrimSpace(c.Param("room"))
}

// GET /api/v1/chat/:room/messages?since=RFC3339&limit=
func ListMessages(db *gorm.DB, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		limit, _ := pageParams(c)
		query := db.Where("room = ? AND deleted = ?", roomParam(c, actor), false)
		if s := c.Query("since"); s != "" {
			since, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
				return
			}
			query = query.Where("sent_at > ?", since)
		}
		var msgs []ChatMessage
		if err := query.Order("sent_at, id").Limit(limit).Find(&msgs).Error; err != nil {
			dbError(c, log, err)
			return
		}
		if msgs == nil {
			msgs = []ChatMessage{}
		}
		c.JSON(http.StatusOK, gin.H{"data": msgs})
	}
}

// PostMessages stores a batch of messages in one transaction: either all of
// them are written or none are.
func PostMessages(db *gorm.DB, hub *ChatHub, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		var req PostMessagesReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		room := roomParam(c, actor)
		now := time.Now().UTC()

		msgs := make([]ChatMessage, 0, len(req.Messages))
		for _, in := range req.Messages {
			m := ChatMessage{
				ID:       in.ID,
				Room:     room,
				SenderID: actor.PublicID,
				Text:     strings.TrimSpace(in.Text),
				SentAt:   now,
				EditedBy: actor.PublicID,
			}
			if m.ID == "" {
				m.ID = uuid.New().String()
			}
			if in.SentAt != nil {
				m.SentAt = in.SentAt.UTC()
			}
			m.EditedAt = m.SentAt
			msgs = append(msgs, m)
		}

		ids := make([]string, 0, len(msgs))
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if len(uniqueStrings(ids)) != len(ids) {
				return errConflict
			}
			var existing int64
			if err := tx.Model(&ChatMessage{}).Where("id IN ?", ids).Count(&existing).Error; err != nil {
				return err
			}
			if existing > 0 {
				return errConflict
			}
			return tx.Create(&msgs).Error
		})
		if errors.Is(err, errConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "duplicate message id"})
			return
		}
		if err != nil {
			dbError(c, log, err)
			return
		}

		events := make([]ChatEvent, 0, len(msgs))
		for i := range msgs {
			events = append(events, ChatEvent{Type: "created", Message: &msgs[i]})
		}
		hub.Publish(room, events...)
		c.JSON(http.StatusCreated, gin.H{"data": msgs})
	}
}

// writeMessage applies a stamped write by the message's sender under the
// conflict policy. It returns errForbidden for anyone else and errConflict
// with the stored message when the write loses.
func writeMessage(db *gorm.DB, room, id, sender string, at time.Time, by string, apply func(*ChatMessage)) (ChatMessage, error) {
	var m ChatMessage
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&m, "id = ? AND room = ?", id, room).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errNotFound
			}
			return err
		}
		if m.SenderID != sender {
			return errForbidden
		}
		if !supersedes(m.EditedAt, m.EditedBy, at, by) {
			return errConflict
		}
		apply(&m)
		m.EditedAt, m.EditedBy = at, by
		return tx.Model(&ChatMessage{}).Where("id = ?", m.ID).Updates(map[string]any{
			"text":      m.Text,
			"deleted":   m.Deleted,
			"edited_at": m.EditedAt,
			"edited_by": m.EditedBy,
		}).Error
	})
	return m, err
}

func respondWrite(c *gin.Context, log *zap.Logger, hub *ChatHub, room, kind string, m ChatMessage, err error) {
	switch {
	case errors.Is(err, errNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
	case errors.Is(err, errForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "only the sender can change a message"})
	case errors.Is(err, errConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "a newer write exists", "data": m})
	case err != nil:
		dbError(c, log, err)
	default:
		hub.Publish(room, ChatEvent{Type: kind, Message: &m})
		c.JSON(http.StatusOK, gin.H{"data": m})
	}
}

// PATCH /api/v1/chat/:room/messages/:id
func EditMessage(db *gorm.DB, hub *ChatHub, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		var req EditMessageReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		room := roomParam(c, actor)
		text := strings.TrimSpace(req.Text)
		m, err := writeMessage(db, room, c.Param("id"), actor.PublicID, req.EditedAt.UTC(), writerStamp(actor, req.ClientID), func(m *ChatMessage) {
			m.Text = text
		})
		respondWrite(c, log, hub, room, "updated", m, err)
	}
}

// DELETE /api/v1/chat/:room/messages/:id
func DeleteMessage(db *gorm.DB, hub *ChatHub, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		var req DeleteMessageReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		room := roomParam(c, actor)
		m, err := writeMessage(db, room, c.Param("id"), actor.PublicID, req.EditedAt.UTC(), writerStamp(actor, req.ClientID), func(m *ChatMessage) {
			m.Deleted = true
			m.Text = ""
		})
		respondWrite(c, log, hub, room, "deleted", m, err)
	}
}

// POST /api/v1/chat/:room/read marks a batch of messages read by the caller.
func MarkRead(db *gorm.DB, hub *ChatHub, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		var req MarkReadReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		room := roomParam(c, actor)
		now := time.Now().UTC()

		var reads []ChatRead
		err := db.Transaction(func(tx *gorm.DB) error {
			var found int64
			if err := tx.Model(&ChatMessage{}).Where("room = ? AND id IN ?", room, req.MessageIDs).Count(&found).Error; err != nil {
				return err
			}
			if int(found) != len(uniqueStrings(req.MessageIDs)) {
				return errNotFound
			}
			var seen []string
			if err := tx.Model(&ChatRead{}).Where("reader_id = ? AND message_id IN ?", actor.PublicID, req.MessageIDs).
				Pluck("message_id", &seen).Error; err != nil {
				return err
			}
			already := make(map[string]bool, len(seen))
			for _, id := range seen {
				already[id] = true
			}
			for _, id := range uniqueStrings(req.MessageIDs) {
				if !already[id] {
					reads = append(reads, ChatRead{MessageID: id, ReaderID: actor.PublicID, ReadAt: now})
				}
			}
			if len(reads) == 0 {
				return nil
			}
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&reads).Error
		})
		if errors.Is(err, errNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		if err != nil {
			dbError(c, log, err)
			return
		}
		if len(reads) > 0 {
			hub.Publish(room, ChatEvent{Type: "read", Reads: reads})
		}
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"read": len(reads)}})
	}
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
