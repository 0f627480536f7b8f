package option

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"gorm.io/gorm"
)

var ErrInvalidPageToken = errors.New("invalid_page_token")

// QueryOption mutates a gorm statement before it is executed.
type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type QueryOptionFunc func(db *gorm.DB) *gorm.DB

func (f QueryOptionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

type Operator string

const (
	EQ  Operator = "="
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

// ApplyOperator adds a single comparison. Unknown operators are ignored.
func ApplyOperator(c Condition) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		switch c.Operator {
		case EQ, GT, GTE, LT, LTE:
		default:
			return db
		}
		if !isIdentifier(c.Field) {
			return db
		}
		value := c.Value
		if t, ok := value.(time.Time); ok {
			value = t.UTC()
		}
		return db.Where(fmt.Sprintf("%s %s ?", c.Field, c.Operator), value)
	})
}

// ApplyPagination pages newest first over (created_at, id). It fetches one row
// beyond the page size so callers can tell whether another page exists.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if token := strings.TrimSpace(p.PageToken); token != "" {
			cursor, err := pagination.DecodeCursor(token)
			if err != nil {
				_ = db.AddError(ErrInvalidPageToken)
				return db
			}
			createdAt, err := cursor.CreatedAtTime()
			if err != nil {
				_ = db.AddError(ErrInvalidPageToken)
				return db
			}
			id, err := strconv.ParseInt(cursor.ID, 10, 64)
			if err != nil {
				_ = db.AddError(ErrInvalidPageToken)
				return db
			}
			db = db.Where("(created_at < ? OR (created_at = ? AND id < ?))", createdAt.UTC(), createdAt.UTC(), id)
		}
		return db.Order("created_at DESC").Order("id DESC").Limit(p.Limit() + 1)
	})
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r != '_' && (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
