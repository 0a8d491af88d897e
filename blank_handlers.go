package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errNotFillBlank = errors.New("question is not fill_blank")

func pairsFromRows(rows []QuestionBlank) []BlankValuePair {
	out := make([]BlankValuePair, 0, len(rows))
	for _, r := range rows {
		out = append(out, BlankValuePair{ID: r.PairID, Blank: r.Blank, Value: r.Value})
	}
	return out
}

func replaceBlanks(tx *gorm.DB, qid string, pairs []BlankValuePair) error {
	if err := tx.Where("question_id = ?", qid).Delete(&QuestionBlank{}).Error; err != nil {
		return err
	}
	if len(pairs) == 0 {
		return nil
	}
	rows := make([]QuestionBlank, 0, len(pairs))
	for _, p := range pairs {
		rows = append(rows, QuestionBlank{QuestionID: qid, PairID: p.ID, Blank: p.Blank, Value: p.Value})
	}
	return tx.Create(&rows).Error
}

// GET /api/v1/questions/:id/blanks
func GetBlanks(db *gorm.DB, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		q, err := loadQuestion(db, actor.OrgID, c.Param("id"))
		switch {
		case errors.Is(err, errNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "question not found"})
			return
		case err != nil:
			dbError(c, log, err)
			return
		case q.Type != TypeFillBlank:
			c.JSON(http.StatusConflict, gin.H{"error": errNotFillBlank.Error()})
			return
		}
		ed := NewBlankEditor(q.Content, pairsFromRows(q.Blanks), log)
		res := ed.result(false)
		if err := checkBlanks(q.Content, res.Pairs); err != nil {
			res.Warnings = append(res.Warnings, err.Error())
		}
		c.JSON(http.StatusOK, gin.H{"data": res})
	}
}

// POST /api/v1/questions/:id/blanks/ops
//
// Applies one BlankOp to the stored document. The read, the op and the write
// run in one transaction; concurrent editors follow last-write-wins.
func ApplyBlankOp(db *gorm.DB, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := requireActor(c)
		if !ok {
			return
		}
		var op BlankOp
		if err := c.ShouldBindJSON(&op); err != nil {
			badRequest(c, err)
			return
		}
		if op.Kind == OpSetContent {
			op.Content = sanitizeRichText(op.Content)
		}

		var res BlankResult
		err := db.Transaction(func(tx *gorm.DB) error {
			q, err := loadQuestion(tx, actor.OrgID, c.Param("id"))
			if err != nil {
				return err
			}
			if q.Type != TypeFillBlank {
				return errNotFillBlank
			}
			ed := NewBlankEditor(q.Content, pairsFromRows(q.Blanks), log.With(zap.String("question", q.ID)))
			res = ed.Apply(op)
			if !res.Changed {
				return nil
			}
			if err := tx.Model(&Question{}).Where("id = ?", q.ID).Updates(map[string]any{
				"content": res.Content,
				"version": gorm.Expr("version + 1"),
			}).Error; err != nil {
				return err
			}
			return replaceBlanks(tx, q.ID, res.Pairs)
		})
		switch {
		case errors.Is(err, errNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "question not found"})
		case errors.Is(err, errNotFillBlank):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case err != nil:
			dbError(c, log, err)
		default:
			c.JSON(http.StatusOK, gin.H{"data": res})
		}
	}
}
