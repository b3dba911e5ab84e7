package dberrors

import "errors"

var (
	ErrNotFound        = errors.New("podtable: not found")
	ErrInvalidArgument = errors.New("podtable: invalid argument")
	ErrEmptyPod        = errors.New("podtable: pod has no members")
	ErrUnknownMember   = errors.New("podtable: unknown pod member")
	ErrDuplicateMember = errors.New("podtable: duplicate pod member")
	ErrUnknownColumn   = errors.New("podtable: unknown column")
	ErrUnknownTable    = errors.New("podtable: unknown table")
	ErrTableExists     = errors.New("podtable: table already open")
	ErrTypeMismatch    = errors.New("podtable: column type mismatch")
	ErrNoOwner         = errors.New("podtable: no live owner for row")
)
