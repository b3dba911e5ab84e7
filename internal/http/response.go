package http

import (
	"podtable/pkg/rpc"
	"podtable/pkg/table"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusNotFound indicates a missing row.
	StatusNotFound Status = rpc.StatusNotFound

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status      `json:"status,omitempty"`
	Value  any         `json:"value,omitempty"`
	Rows   []table.Row `json:"rows,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value any) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewRowsResponse(rows []table.Row) Response {
	if rows == nil {
		rows = []table.Row{}
	}
	return Response{Status: StatusSuccess, Rows: rows}
}

func NewNotFoundResponse(msg string) Response {
	return Response{Status: StatusNotFound, Error: msg}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// PodInfo is the body of GET /api/pods/{pod}.
type PodInfo struct {
	Pod        string       `json:"pod"`
	Generation uint64       `json:"generation"`
	Strategy   string       `json:"strategy"`
	Self       string       `json:"self"`
	Members    []MemberInfo `json:"members"`
}

type MemberInfo struct {
	Index   int      `json:"index"`
	ID      string   `json:"id"`
	Servers []string `json:"servers"`
	Owner   string   `json:"owner"`
	Down    []string `json:"down,omitempty"`
}

// OwnerInfo is the body of GET /api/tables/{table}/owner.
type OwnerInfo struct {
	Table string `json:"table"`
	Hash  uint64 `json:"hash"`
	Node  int    `json:"node"`
	ID    string `json:"id"`
	Owner string `json:"owner"`
	Local bool   `json:"local"`
}
