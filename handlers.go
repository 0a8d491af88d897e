package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

/*** DTOs shared across question handlers ***/

type QuestionDTO struct {
	ID         string           `json:"id"`
	Type       QuestionType     `json:"type"`
	Prompt     string           `json:"prompt"`
	Content    string           `json:"content"`
	Difficulty *int             `json:"difficulty,omitempty"`
	Tags       []string         `json:"tags"`
	Version    int              `json:"version"`
	Options    []OptionDTO      `json:"options"`
	Blanks     []BlankValuePair `json:"blanks"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

type OptionDTO struct {
	Key       string `json:"key"`
	Text      string `json:"text"`
	Match     string `json:"match,omitempty"`
	IsCorrect bool   `json:"isCorrect"`
}

type OptionInput struct {
	Key       string `json:"key" binding:"omitempty,max=8"`
	Text      string `json:"text" binding:"required,max=2000"`
	Match     string `json:"match" binding:"max=2000"`
	IsCorrect bool   `json:"isCorrect"`
}

type BlankInput struct {
	Blank int    `json:"blank" binding:"required,min=1"`
	Value string `json:"value" binding:"required"`
}

type QuestionInput struct {
	ID         string        `json:"id" binding:"omitempty,max=64"`
	Type       QuestionType  `json:"type" binding:"required,oneof=flip_card matching translation fill_blank multiple_choice"`
	Prompt     string        `json:"prompt" binding:"required,max=2000"`
	Content    string        `json:"content"`
	Difficulty *int          `json:"difficulty" binding:"omitempty,min=1,max=5"`
	Tags       []string      `json:"tags"`
	Options    []OptionInput `json:"options" binding:"dive"`
	Blanks     []BlankInput  `json:"blanks" binding:"dive"`
}

// QuestionPatch leaves nil fields untouched.
type QuestionPatch struct {
	Prompt     *string       `json:"prompt" binding:"omitempty,min=1,max=2000"`
	Content    *string       `json:"content"`
	Difficulty *int          `json:"difficulty" binding:"omitempty,min=1,max=5"`
	Tags       []string      `json:"tags"`
	Options    []OptionInput `json:"options" binding:"dive"`
}

func toQuestionDTO(q Question) QuestionDTO {
	opts := make([]OptionDTO, 0, len(q.Options))
	for _, o := range q.Options {
		opts = append(opts, OptionDTO{Key: o.OptionKey, Text: o.Text, Match: o.Match, IsCorrect: o.IsCorrect})
	}
	return QuestionDTO{
		ID:         q.ID,
		Type:       q.Type,
		Prompt:     q.Prompt,
		Content:    q.Content,
		Difficulty: q.Difficulty,
		Tags:       splitTags(q.Tags),
		Version:    q.Version,
		Options:    opts,
		Blanks:     pairsFromRows(q.Blanks),
		UpdatedAt:  q.UpdatedAt,
	}
}

func joinTags(tags []string) *string {
	seen := map[string]bool{}
	var out []string
	for _, t := range tags {
		t = strings.TrimSpace(strings.ReplaceAll(t, ",", " "))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	s := strings.Join(out, ",")
	return &s
}

func splitTags(csv *string) []string {
	out := []string{}
	if csv == nil || *csv == "" {
		return out
	}
	for _, p := range strings.Split(*csv, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validateOptions enforces the per-type shape of a question's answer material.
func validateOptions(t QuestionType, opts []OptionInput) error {
	ve := &ValidationError{}
	keys := map[string]bool{}
	for i, o := range opts {
		k := strings.ToLower(strings.TrimSpace(o.Key))
		if k == "" {
			k = optionKey(i)
		}
		if keys[k] {
			ve.add("options", "duplicate key "+k)
		}
		keys[k] = true
	}

	switch t {
	case TypeMultipleChoice:
		if len(opts) < 2 {
			ve.add("options", "multiple_choice needs at least 2 options")
		}
		correct := 0
		for _, o := range opts {
			if o.IsCorrect {
				correct++
			}
		}
		if correct == 0 {
			ve.add("options", "multiple_choice needs at least 1 correct option")
		}
	case TypeMatching:
		if len(opts) < 2 {
			ve.add("options", "matching needs at least 2 pairs")
		}
		for i, o := range opts {
			if strings.TrimSpace(o.Match) == "" {
				ve.add("options["+strconv.Itoa(i)+"].match", "required for matching")
			}
		}
	case TypeTranslation:
		if len(opts) == 0 {
			ve.add("options", "translation needs at least 1 accepted answer")
		}
	case TypeFlipCard:
		if len(opts) != 1 {
			ve.add("options", "flip_card needs exactly 1 option (front/back)")
		} else if strings.TrimSpace(opts[0].Match) == "" {
			ve.add("options[0].match", "back side required")
		}
	case TypeFillBlank:
		if len(opts) > 0 {
			ve.add("options", "fill_blank takes blanks, not options")
		}
	}
	return ve.orNil()
}

func buildOptions(qid string, in []OptionInput) []Option {
	out := make([]Option, 0, len(in))
	for i, o := range in {
		k := strings.ToLower(strings.TrimSpace(o.Key))
		if k == "" {
			k = optionKey(i)
		}
		out = append(out, Option{
			QuestionID: qid,
			OptionKey:  k,
			Text:       strings.TrimSpace(o.Text),
			Match:      strings.TrimSpace(o.Match),
			IsCorrect:  o.IsCorrect,
			Position:   i,
		})
	}
	return out
}

func replaceOptions(tx *gorm.DB, qid string, opts []Option) error {
	if err := tx.Where("question_id = ?", qid).Delete(&Option{}).Error; err != nil {
		return err
	}
	if len(opts) == 0 {
		return nil
	}
	return tx.Create(&opts).Error
}

func loadQuestion(db *gorm.DB, orgID, id string) (Question, error) {
	var q Question
	err := db.
		Preload("Options", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Preload("Blanks", func(db *gorm.DB) *gorm.DB { return db.Order("blank") }).
		First(&q, "id = ? AND org_id = ?", id, orgID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return q, errNotFound
	}
	return q, err
}

// pageParams reads ?limit=&offset= (limit default 20, max 100).
func pageParams(c *gin.Context) (int, int) {
	limit, offset := 20, 0
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			if n > 100 {
				n = 100
			}
			limit = n
		}
	}
	if o := c.Query("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func ListQuestions(db *gorm.DB, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		limit, offset := pageParams(c)

		query := db.Model(&Question{}).Where("org_id = ?", actor.OrgID)
		if t := c.Query("type"); t != "" {
			query = query.Where("type = ?", t)
		}
		if tag := strings.TrimSpace(c.Query("tag")); tag != "" {
			query = query.Where("(',' || tags || ',') LIKE ?", "%,"+tag+",%")
		}

		var total int64
		if err := query.Count(&total).Error; err != nil {
			dbError(c, log, err)
			return
		}
		var qs []Question
		if err := query.
			Preload("Options", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
			Preload("Blanks", func(db *gorm.DB) *gorm.DB { return db.Order("blank") }).
			Order("created_at DESC, id").
			Limit(limit).Offset(offset).
			Find(&qs).Error; err != nil {
			dbError(c, log, err)
			return
		}

		out := make([]QuestionDTO, 0, len(qs))
		for _, q := range qs {
			out = append(out, toQuestionDTO(q))
		}
		c.JSON(http.StatusOK, gin.H{"data": out, "total": total, "limit": limit, "offset": offset})
	}
}

func GetQuestion(db *gorm.DB, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		q, err := loadQuestion(db, actor.OrgID, c.Param("id"))
		if errors.Is(err, errNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "question not found"})
			return
		}
		if err != nil {
			dbError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": toQuestionDTO(q)})
	}
}

func CreateQuestion(db *gorm.DB, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		var in QuestionInput
		if err := c.ShouldBindJSON(&in); err != nil {
			badRequest(c, err)
			return
		}
		if err := validateOptions(in.Type, in.Options); err != nil {
			badRequest(c, err)
			return
		}
		if in.Type != TypeFillBlank && len(in.Blanks) > 0 {
			badRequest(c, &ValidationError{Fields: []FieldError{{Field: "blanks", Error: "only fill_blank questions take blanks"}}})
			return
		}
		if in.ID == "" {
			in.ID = uuid.New().String()
		}

		q := Question{
			ID:         in.ID,
			OrgID:      actor.OrgID,
			Type:       in.Type,
			Prompt:     strings.TrimSpace(in.Prompt),
			Content:    sanitizeRichText(in.Content),
			Difficulty: in.Difficulty,
			Tags:       joinTags(in.Tags),
			Version:    1,
		}
		var warnings []string
		var pairs []BlankValuePair
		if in.Type == TypeFillBlank {
			seeded := make([]BlankValuePair, 0, len(in.Blanks))
			for _, b := range in.Blanks {
				seeded = append(seeded, BlankValuePair{ID: newPairID(), Blank: b.Blank, Value: blankValue(b.Value)})
			}
			var report RestructureReport
			q.Content, pairs, report = restructureBlanks(q.Content, seeded)
			warnings = report.Warnings()
		}

		err := db.Transaction(func(tx *gorm.DB) error {
			var n int64
			if err := tx.Model(&Question{}).Where("id = ?", q.ID).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return errConflict
			}
			if err := tx.Create(&q).Error; err != nil {
				return err
			}
			if err := replaceOptions(tx, q.ID, buildOptions(q.ID, in.Options)); err != nil {
				return err
			}
			return replaceBlanks(tx, q.ID, pairs)
		})
		if errors.Is(err, errConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "question id already exists"})
			return
		}
		if err != nil {
			dbError(c, log, err)
			return
		}

		created, err := loadQuestion(db, actor.OrgID, q.ID)
		if err != nil {
			dbError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": toQuestionDTO(created), "warnings": warnings})
	}
}

func UpdateQuestion(db *gorm.DB, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		var in QuestionPatch
		if err := c.ShouldBindJSON(&in); err != nil {
			badRequest(c, err)
			return
		}

		var warnings []string
		var updated Question
		err := db.Transaction(func(tx *gorm.DB) error {
			q, err := loadQuestion(tx, actor.OrgID, c.Param("id"))
			if err != nil {
				return err
			}
			if in.Options != nil {
				if err := validateOptions(q.Type, in.Options); err != nil {
					return err
				}
				if err := replaceOptions(tx, q.ID, buildOptions(q.ID, in.Options)); err != nil {
					return err
				}
			}
			if in.Prompt != nil {
				q.Prompt = strings.TrimSpace(*in.Prompt)
			}
			if in.Difficulty != nil {
				q.Difficulty = in.Difficulty
			}
			if in.Tags != nil {
				q.Tags = joinTags(in.Tags)
			}
			if in.Content != nil {
				q.Content = sanitizeRichText(*in.Content)
				if q.Type == TypeFillBlank {
					content, pairs, report := restructureBlanks(q.Content, pairsFromRows(q.Blanks))
					q.Content = content
					warnings = report.Warnings()
					if err := replaceBlanks(tx, q.ID, pairs); err != nil {
						return err
					}
				}
			}
			q.Version++
			if err := tx.Model(&Question{}).Where("id = ?", q.ID).Updates(map[string]any{
				"prompt":     q.Prompt,
				"content":    q.Content,
				"difficulty": q.Difficulty,
				"tags":       q.Tags,
				"version":    q.Version,
			}).Error; err != nil {
				return err
			}
			updated, err = loadQuestion(tx, actor.OrgID, q.ID)
			return err
		})
		var ve *ValidationError
		switch {
		case errors.Is(err, errNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "question not found"})
		case errors.As(err, &ve):
			badRequest(c, err)
		case err != nil:
			dbError(c, log, err)
		default:
			c.JSON(http.StatusOK, gin.H{"data": toQuestionDTO(updated), "warnings": warnings})
		}
	}
}

func DeleteQuestion(db *gorm.DB, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		id := c.Param("id")
		err := db.Transaction(func(tx *gorm.DB) error {
			res := tx.Where("id = ? AND org_id = ?", id, actor.OrgID).Delete(&Question{})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errNotFound
			}
			if err := tx.Where("question_id = ?", id).Delete(&Option{}).Error; err != nil {
				return err
			}
			return tx.Where("question_id = ?", id).Delete(&QuestionBlank{}).Error
		})
		if errors.Is(err, errNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "question not found"})
			return
		}
		if err != nil {
			dbError(c, log, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// CheckQuestion grades a preview answer without storing it.
func CheckQuestion(db *gorm.DB, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		var req CheckRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		q, err := loadQuestion(db, actor.OrgID, c.Param("id"))
		if errors.Is(err, errNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "question not found"})
			return
		}
		if err != nil {
			dbError(c, log, err)
			return
		}
		res, err := gradeAnswer(q, req)
		if errors.Is(err, errNoAnswerKey) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": res})
	}
}
