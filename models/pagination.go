package models

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/garage_backend/utils"
	"gorm.io/gorm"
)

type PageInfo struct {
	StartCursor string `json:"startCursor"`
	EndCursor   string `json:"endCursor"`
	HasNextPage *bool  `json:"hasNextPage,omitempty"`
}

type Edge[T any] struct {
	Cursor string `json:"cursor"`
	Node   *T     `json:"node"`
}

// CompositeCursor is a row that pages on a timestamp column, with the id
// breaking ties.
type CompositeCursor interface {
	GetCursor() time.Time
	GetId() string
}

func DecodeCompositeCursor(cursor *string) (time.Time, string, bool) {
	if cursor == nil || *cursor == "" {
		return time.Time{}, "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(*cursor)
	if err != nil {
		return time.Time{}, "", false
	}
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return time.Time{}, "", false
	}
	at, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", false
	}
	return at, parts[1], true
}

func EncodeCompositeCursor(at time.Time, id string) string {
	cursor := fmt.Sprintf("%s|%s", at.UTC().Format(time.RFC3339Nano), id)
	return base64.StdEncoding.EncodeToString([]byte(cursor))
}

// FetchPageCompositeCursor reads limit rows after the cursor. cmpOperator ">"
// pages oldest first, "<" newest first.
func FetchPageCompositeCursor[T CompositeCursor](dbCtx *gorm.DB,
	limit int,
	after *string,
	cursorColumn string,
	cmpOperator string,
) ([]Edge[T], *PageInfo, error) {
	if cmpOperator != ">" && cmpOperator != "<" {
		return nil, nil, fmt.Errorf("unsupported cursor operator %q", cmpOperator)
	}
	nodes := make([]*T, 0)

	if cmpOperator == ">" {
		dbCtx = dbCtx.Order(cursorColumn + ", id")
	} else {
		dbCtx = dbCtx.Order(cursorColumn + " DESC, id DESC")
	}

	if at, cursorId, ok := DecodeCompositeCursor(after); ok {
		dbCtx = dbCtx.Where(
			// [1] = column, [2] = operator
			fmt.Sprintf("%[1]s %[2]s ? OR (%[1]s = ? AND id %[2]s ?)", cursorColumn, cmpOperator),
			at, at, cursorId)
	}

	if err := dbCtx.Limit(limit + 1).Find(&nodes).Error; err != nil {
		return nil, nil, err
	}

	count := 0
	hasNextPage := false
	edges := make([]Edge[T], 0, len(nodes))
	for _, node := range nodes {
		if count == limit {
			hasNextPage = true
			break
		}
		edges = append(edges, Edge[T]{
			Node:   node,
			Cursor: EncodeCompositeCursor((*node).GetCursor(), (*node).GetId()),
		})
		count++
	}

	pageInfo := PageInfo{HasNextPage: utils.NewFalse()}
	if count > 0 {
		pageInfo = PageInfo{
			StartCursor: edges[0].Cursor,
			EndCursor:   edges[count-1].Cursor,
			HasNextPage: &hasNextPage,
		}
	}
	return edges, &pageInfo, nil
}
