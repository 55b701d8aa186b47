package domain

import "errors"

var (
	ErrValidation    = errors.New("missing required fields")
	ErrCallNotFound  = errors.New("call not found")
	ErrCallerBusy    = errors.New("you are already in a call")
	ErrRecipientBusy = errors.New("user is busy")
)
