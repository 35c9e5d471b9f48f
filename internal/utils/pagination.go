// internal/utils/pagination.go
package utils

import (
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const (
	DefaultPageSize = 12
	MaxPageSize     = 100
)

type PaginationParams struct {
	Page     int    `json:"page" form:"page"`
	PageSize int    `json:"page_size" form:"page_size"`
	SortBy   string `json:"sort_by" form:"sort_by"`
	SortDesc bool   `json:"sort_desc" form:"sort_desc"`
}

// PagedList is the body of every paginated listing.
type PagedList struct {
	Items       interface{} `json:"items"`
	Page        int         `json:"page"`
	PageSize    int         `json:"page_size"`
	TotalCount  int64       `json:"total_count"`
	TotalPages  int         `json:"total_pages"`
	HasPrevious bool        `json:"has_previous"`
	HasNext     bool        `json:"has_next"`
}

func GetPaginationParams(c *gin.Context, defaultPageSize int) PaginationParams {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", c.Query("limit")))
	sortDesc, _ := strconv.ParseBool(c.DefaultQuery("sort_desc", "false"))

	params := PaginationParams{
		Page:     page,
		PageSize: pageSize,
		SortBy:   strings.ToLower(strings.TrimSpace(c.Query("sort_by"))),
		SortDesc: sortDesc,
	}
	params.Normalize(defaultPageSize)
	return params
}

// Normalize clamps page and page size into their valid ranges.
func (p *PaginationParams) Normalize(defaultPageSize int) {
	if defaultPageSize < 1 {
		defaultPageSize = DefaultPageSize
	}
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = defaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
}

func (p PaginationParams) Offset() int {
	return (p.Page - 1) * p.PageSize
}

func ApplyPagination(db *gorm.DB, params PaginationParams) *gorm.DB {
	return db.Offset(params.Offset()).Limit(params.PageSize)
}

// ApplySort orders by the column mapped from params.SortBy. Unknown or empty
// keys fall back to defaultColumn descending.
func ApplySort(db *gorm.DB, params PaginationParams, allowed map[string]string, defaultColumn string) *gorm.DB {
	column, ok := allowed[params.SortBy]
	if !ok {
		return db.Order(defaultColumn + " DESC").Order("id DESC")
	}

	direction := " ASC"
	if params.SortDesc {
		direction = " DESC"
	}
	return db.Order(column + direction).Order("id" + direction)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ContainsPattern builds a LIKE pattern that matches term anywhere. Wildcards
// typed by the user match literally.
func ContainsPattern(term string) string {
	return "%" + likeEscaper.Replace(term) + "%"
}

func NewPagedList(items interface{}, total int64, params PaginationParams) PagedList {
	totalPages := 0
	if params.PageSize > 0 {
		totalPages = int(math.Ceil(float64(total) / float64(params.PageSize)))
	}

	return PagedList{
		Items:       items,
		Page:        params.Page,
		PageSize:    params.PageSize,
		TotalCount:  total,
		TotalPages:  totalPages,
		HasPrevious: params.Page > 1,
		HasNext:     params.Page < totalPages,
	}
}

func SetPaginationHeaders(c *gin.Context, list PagedList) {
	c.Header("X-Total-Count", strconv.FormatInt(list.TotalCount, 10))
	c.Header("X-Page", strconv.Itoa(list.Page))
	c.Header("X-Per-Page", strconv.Itoa(list.PageSize))
	c.Header("X-Total-Pages", strconv.Itoa(list.TotalPages))
}
