// Package smq defines the semantic model query structure the agent backend
// produces and the REST client for converting queries to SQL.
package smq

import "encoding/json"

// Query is a semantic model query. The backend assembles one over the
// course of a pipeline run; the convert endpoint lowers it to SQL.
type Query struct {
	Model   string   `json:"model,omitempty"`
	Metrics []string `json:"metrics,omitempty"`
	GroupBy []string `json:"groupBy,omitempty"`
	Filters []Filter `json:"filters,omitempty"`
	OrderBy []Order  `json:"orderBy,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	Joins   []Join   `json:"joins,omitempty"`
}

// Filter restricts a query to rows matching a field condition.
type Filter struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// Order sorts query output by a field.
type Order struct {
	Field     string `json:"field"`
	Direction string `json:"direction,omitempty"`
}

// Join pulls in a related model.
type Join struct {
	Model string `json:"model"`
	On    string `json:"on,omitempty"`
}

// Parse decodes a raw semantic query as attached to a result bundle.
func Parse(raw json.RawMessage) (*Query, error) {
	var q Query
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// Empty reports whether the query selects nothing.
func (q *Query) Empty() bool {
	return q == nil || (len(q.Metrics) == 0 && len(q.GroupBy) == 0)
}
