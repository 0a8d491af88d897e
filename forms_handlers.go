package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxTextAnswer = 5000

type FieldInput struct {
	Key      string    `json:"key" binding:"omitempty,max=36"`
	Label    string    `json:"label" binding:"required,max=200"`
	Kind     FieldKind `json:"kind" binding:"required,oneof=text rating choice"`
	Required bool      `json:"required"`
	Choices  []string  `json:"choices" binding:"dive,required"`
}

type FormInput struct {
	Title       string       `json:"title" binding:"required,max=200"`
	Description string       `json:"description" binding:"max=2000"`
	IsTemplate  bool         `json:"isTemplate"`
	Fields      []FieldInput `json:"fields" binding:"required,min=1,dive"`
}

type FormPatch struct {
	Title       *string      `json:"title" binding:"omitempty,min=1,max=200"`
	Description *string      `json:"description" binding:"omitempty,max=2000"`
	Fields      []FieldInput `json:"fields" binding:"omitempty,min=1,dive"`
}

type FieldDTO struct {
	Key      string    `json:"key"`
	Label    string    `json:"label"`
	Kind     FieldKind `json:"kind"`
	Required bool      `json:"required"`
	Choices  []string  `json:"choices,omitempty"`
	Position int       `json:"position"`
}

type FormDTO struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	IsTemplate  bool       `json:"isTemplate"`
	Fields      []FieldDTO `json:"fields"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

type SubmissionReq struct {
	Answers map[string]any `json:"answers" binding:"required"`
}

type SubmissionDTO struct {
	ID          uint           `json:"id"`
	SubmittedBy *string        `json:"submittedBy,omitempty"`
	Answers     map[string]any `json:"answers"`
	CreatedAt   time.Time      `json:"createdAt"`
}

func fieldChoices(f FeedbackField) []string {
	var out []string
	if len(f.Choices) > 0 {
		_ = json.Unmarshal(f.Choices, &out)
	}
	return out
}

func toFormDTO(f FeedbackForm) FormDTO {
	fields := make([]FieldDTO, 0, len(f.Fields))
	for _, fld := range f.Fields {
		fields = append(fields, FieldDTO{
			Key:      fld.Key,
			Label:    fld.Label,
			Kind:     fld.Kind,
			Required: fld.Required,
			Choices:  fieldChoices(fld),
			Position: fld.Position,
		})
	}
	return FormDTO{
		ID:          f.ID,
		Title:       f.Title,
		Description: f.Description,
		IsTemplate:  f.IsTemplate,
		Fields:      fields,
		CreatedAt:   f.CreatedAt,
		UpdatedAt:   f.UpdatedAt,
	}
}

func validateFields(in []FieldInput) error {
	ve := &ValidationError{}
	keys := map[string]bool{}
	for i, f := range in {
		if f.Key != "" {
			if keys[f.Key] {
				ve.add(fmt.Sprintf("fields[%d].key", i), "duplicate key")
			}
			keys[f.Key] = true
		}
		switch f.Kind {
		case FieldChoice:
			if len(f.Choices) < 2 {
				ve.add(fmt.Sprintf("fields[%d].choices", i), "choice fields need at least 2 choices")
			}
		default:
			if len(f.Choices) > 0 {
				ve.add(fmt.Sprintf("fields[%d].choices", i), "only choice fields take choices")
			}
		}
	}
	return ve.orNil()
}

func buildFields(formID string, in []FieldInput) ([]FeedbackField, error) {
	out := make([]FeedbackField, 0, len(in))
	for i, f := range in {
		key := f.Key
		if key == "" {
			key = uuid.New().String()
		}
		var choices datatypes.JSON
		if len(f.Choices) > 0 {
			raw, err := json.Marshal(f.Choices)
			if err != nil {
				return nil, err
			}
			choices = datatypes.JSON(raw)
		}
		out = append(out, FeedbackField{
			FormID:   formID,
			Key:      key,
			Label:    strings.TrimSpace(f.Label),
			Kind:     f.Kind,
			Required: f.Required,
			Choices:  choices,
			Position: i,
		})
	}
	return out, nil
}

func replaceFields(tx *gorm.DB, formID string, fields []FeedbackField) error {
	if err := tx.Where("form_id = ?", formID).Delete(&FeedbackField{}).Error; err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	return tx.Create(&fields).Error
}

func loadForm(db *gorm.DB, orgID, id string) (FeedbackForm, error) {
	var f FeedbackForm
	err := db.
		Preload("Fields", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		First(&f, "id = ? AND org_id = ?", id, orgID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return f, errNotFound
	}
	return f, err
}

// validateAnswers checks a submission against the form's fields and returns
// the answers keyed by field key.
func validateAnswers(fields []FeedbackField, answers map[string]any) (map[string]any, error) {
	ve := &ValidationError{}
	known := make(map[string]bool, len(fields))
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		known[f.Key] = true
		v, present := answers[f.Key]
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			present = false
		}
		if !present || v == nil {
			if f.Required {
				ve.add(f.Key, "required")
			}
			continue
		}
		switch f.Kind {
		case FieldText:
			s, ok := v.(string)
			if !ok || len(s) > maxTextAnswer {
				ve.add(f.Key, fmt.Sprintf("must be text up to %d bytes", maxTextAnswer))
				continue
			}
			out[f.Key] = strings.TrimSpace(s)
		case FieldRating:
			n, ok := v.(float64)
			if !ok || n != math.Trunc(n) || n < 1 || n > 5 {
				ve.add(f.Key, "must be a whole number 1..5")
				continue
			}
			out[f.Key] = int(n)
		case FieldChoice:
			s, ok := v.(string)
			valid := false
			for _, ch := range fieldChoices(f) {
				if ok && s == ch {
					valid = true
					break
				}
			}
			if !valid {
				ve.add(f.Key, "must be one of the choices")
				continue
			}
			out[f.Key] = s
		}
	}
	for k := range answers {
		if !known[k] {
			ve.add(k, "unknown field")
		}
	}
	if err := ve.orNil(); err != nil {
		return nil, err
	}
	return out, nil
}

func ListForms(db *gorm.DB, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		limit, offset := pageParams(c)
		query := db.Model(&FeedbackForm{}).Where("org_id = ?", actor.OrgID)
		switch c.Query("template") {
		case "true":
			query = query.Where("is_template = ?", true)
		case "false":
			query = query.Where("is_template = ?", false)
		}

		var total int64
		if err := query.Count(&total).Error; err != nil {
			dbError(c, log, err)
			return
		}
		var forms []FeedbackForm
		if err := query.
			Preload("Fields", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
			Order("created_at DESC, id").
			Limit(limit).Offset(offset).
			Find(&forms).Error; err != nil {
			dbError(c, log, err)
			return
		}
		out := make([]FormDTO, 0, len(forms))
		for _, f := range forms {
			out = append(out, toFormDTO(f))
		}
		c.JSON(http.StatusOK, gin.H{"data": out, "total": total, "limit": limit, "offset": offset})
	}
}

func GetForm(db *gorm.DB, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		f, err := loadForm(db, actor.OrgID, c.Param("id"))
		if errors.Is(err, errNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "form not found"})
			return
		}
		if err != nil {
			dbError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": toFormDTO(f)})
	}
}

func CreateForm(db *gorm.DB, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		var in FormInput
		if err := c.ShouldBindJSON(&in); err != nil {
			badRequest(c, err)
			return
		}
		if err := validateFields(in.Fields); err != nil {
			badRequest(c, err)
			return
		}
		form := FeedbackForm{
			ID:          uuid.New().String(),
			OrgID:       actor.OrgID,
			Title:       strings.TrimSpace(in.Title),
			Description: strings.TrimSpace(in.Description),
			IsTemplate:  in.IsTemplate,
		}
		fields, err := buildFields(form.ID, in.Fields)
		if err != nil {
			badRequest(c, err)
			return
		}
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&form).Error; err != nil {
				return err
			}
			return replaceFields(tx, form.ID, fields)
		}); err != nil {
			dbError(c, log, err)
			return
		}
		created, err := loadForm(db, actor.OrgID, form.ID)
		if err != nil {
			dbError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": toFormDTO(created)})
	}
}

func UpdateForm(db *gorm.DB, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		var in FormPatch
		if err := c.ShouldBindJSON(&in); err != nil {
			badRequest(c, err)
			return
		}
		if in.Fields != nil {
			if err := validateFields(in.Fields); err != nil {
				badRequest(c, err)
				return
			}
		}

		var updated FeedbackForm
		err := db.Transaction(func(tx *gorm.DB) error {
			f, err := loadForm(tx, actor.OrgID, c.Param("id"))
			if err != nil {
				return err
			}
			if in.Title != nil {
				f.Title = strings.TrimSpace(*in.Title)
			}
			if in.Description != nil {
				f.Description = strings.TrimSpace(*in.Description)
			}
			if err := tx.Model(&FeedbackForm{}).Where("id = ?", f.ID).Updates(map[string]any{
				"title":       f.Title,
				"description": f.Description,
				"updated_at":  time.Now(),
			}).Error; err != nil {
				return err
			}
			if in.Fields != nil {
				fields, err := buildFields(f.ID, in.Fields)
				if err != nil {
					return err
				}
				if err := replaceFields(tx, f.ID, fields); err != nil {
					return err
				}
			}
			updated, err = loadForm(tx, actor.OrgID, f.ID)
			return err
		})
		if errors.Is(err, errNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "form not found"})
			return
		}
		if err != nil {
			dbError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": toFormDTO(updated)})
	}
}

func DeleteForm(db *gorm.DB, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		id := c.Param("id")
		err := db.Transaction(func(tx *gorm.DB) error {
			res := tx.Where("id = ? AND org_id = ?", id, actor.OrgID).Delete(&FeedbackForm{})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errNotFound
			}
			if err := tx.Where("form_id = ?", id).Delete(&FeedbackField{}).Error; err != nil {
				return err
			}
			return tx.Where("form_id = ?", id).Delete(&FeedbackSubmission{}).Error
		})
		if errors.Is(err, errNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "form not found"})
			return
		}
		if err != nil {
			dbError(c, log, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// InstantiateForm copies a template into a new, non-template form.
func InstantiateForm(db *gorm.DB, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		var req struct {
			Title string `json:"title" binding:"max=200"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, err)
				return
			}
		}

		tpl, err := loadForm(db, actor.OrgID, c.Param("id"))
		if errors.Is(err, errNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "template not found"})
			return
		}
		if err != nil {
			dbError(c, log, err)
			return
		}
		if !tpl.IsTemplate {
			c.JSON(http.StatusConflict, gin.H{"error": "form is not a template"})
			return
		}

		form := FeedbackForm{
			ID:          uuid.New().String(),
			OrgID:       actor.OrgID,
			Title:       tpl.Title,
			Description: tpl.Description,
		}
		if t := strings.TrimSpace(req.Title); t != "" {
			form.Title = t
		}
		fields := make([]FeedbackField, 0, len(tpl.Fields))
		for _, f := range tpl.Fields {
			f.ID = 0
			f.FormID = form.ID
			fields = append(fields, f)
		}
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&form).Error; err != nil {
				return err
			}
			return replaceFields(tx, form.ID, fields)
		}); err != nil {
			dbError(c, log, err)
			return
		}
		created, err := loadForm(db, actor.OrgID, form.ID)
		if err != nil {
			dbError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": toFormDTO(created)})
	}
}

func SubmitForm(db *gorm.DB, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		var req SubmissionReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		f, err := loadForm(db, actor.OrgID, c.Param("id"))
		if errors.Is(err, errNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "form not found"})
			return
		}
		if err != nil {
			dbError(c, log, err)
			return
		}
		if f.IsTemplate {
			c.JSON(http.StatusConflict, gin.H{"error": "templates do not take submissions"})
			return
		}
		answers, err := validateAnswers(f.Fields, req.Answers)
		if err != nil {
			badRequest(c, err)
			return
		}
		raw, err := json.Marshal(answers)
		if err != nil {
			badRequest(c, err)
			return
		}
		by := actor.PublicID
		sub := FeedbackSubmission{FormID: f.ID, SubmittedBy: &by, Answers: datatypes.JSON(raw)}
		if err := db.Create(&sub).Error; err != nil {
			dbError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": SubmissionDTO{
			ID: sub.ID, SubmittedBy: sub.SubmittedBy, Answers: answers, CreatedAt: sub.CreatedAt,
		}})
	}
}

func ListSubmissions(db *gorm.DB, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		f, err := loadForm(db, actor.OrgID, c.Param("id"))
		if errors.Is(err, errNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "form not found"})
			return
		}
		if err != nil {
			dbError(c, log, err)
			return
		}
		limit, offset := pageParams(c)

		var total int64
		if err := db.Model(&FeedbackSubmission{}).Where("form_id = ?", f.ID).Count(&total).Error; err != nil {
			dbError(c, log, err)
			return
		}
		var subs []FeedbackSubmission
		if err := db.Where("form_id = ?", f.ID).
			Order("created_at DESC, id DESC").
			Limit(limit).Offset(offset).
			Find(&subs).Error; err != nil {
			dbError(c, log, err)
			return
		}
		out := make([]SubmissionDTO, 0, len(subs))
		for _, s := range subs {
			answers := map[string]any{}
			if err := json.Unmarshal(s.Answers, &answers); err != nil {
				log.Warn("unreadable submission", zap.Uint("id", s.ID), zap.Error(err))
			}
			out = append(out, SubmissionDTO{ID: s.ID, SubmittedBy: s.SubmittedBy, Answers: answers, CreatedAt: s.CreatedAt})
		}
		c.JSON(http.StatusOK, gin.H{"data": out, "total": total, "limit": limit, "offset": offset})
	}
}
