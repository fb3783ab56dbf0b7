package models

import "errors"

var (
	ErrContactNotFound = errors.New("contact not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrSequenceClosed  = errors.New("sequence is closed for this contact")
)
