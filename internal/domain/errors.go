package domain

import "errors"

var (
	ErrEventNotFound      = errors.New("event not found")
	ErrEventExists        = errors.New("event already exists")
	ErrEventNotProcessed  = errors.New("event has not been dispatched yet")
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrInvalidSubscriber  = errors.New("invalid subscriber")
	ErrEmptyMessage       = errors.New("message is required")
	ErrNoRecipients       = errors.New("no subscribers match")
)
