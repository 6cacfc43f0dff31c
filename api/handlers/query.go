package handlers

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"webhook-pipeline/internal/models"

	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// parseTimeBound accepts RFC 3339 or a bare date. A bare "to" date covers
// the whole day.
func parseTimeBound(value string, upper bool) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	t, err := models.ParseBucketDate(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD or RFC 3339", value)
	}
	if upper {
		t = t.Add(24 * time.Hour)
	}
	return t, nil
}

// parseDateBound normalizes a query value to a bucket date.
func parseDateBound(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return models.BucketDate(t), nil
	}
	if _, err := models.ParseBucketDate(value); err != nil {
		return "", fmt.Errorf("invalid date %q: use YYYY-MM-DD", value)
	}
	return value, nil
}

func parseCategory(value string) (models.EventCategory, error) {
	if value == "" {
		return "", nil
	}
	cat := models.EventCategory(strings.ToLower(value))
	if !cat.Valid() {
		return "", fmt.Errorf("unknown category %q", value)
	}
	return cat, nil
}

func parseStatuses(value string) ([]models.EventStatus, error) {
	if value == "" {
		return nil, nil
	}
	var out []models.EventStatus
	for _, s := range strings.Split(value, ",") {
		status := models.EventStatus(strings.ToLower(strings.TrimSpace(s)))
		if !status.Valid() {
			return nil, fmt.Errorf("unknown status %q", s)
		}
		out = append(out, status)
	}
	return out, nil
}

func parsePage(c *gin.Context) (limit, offset int, err error) {
	limit = defaultPageSize
	if v := c.Query("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return 0, 0, fmt.Errorf("invalid limit %q", v)
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
	}
	if v := c.Query("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("invalid offset %q", v)
		}
	}
	return limit, offset, nil
}
