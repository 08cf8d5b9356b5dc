// Package service provides business logic for the guest messaging platform.
package service

import (
	"errors"
)

var (
	// ErrConversationClosed is returned when a guest posts to a closed
	// conversation. Staff may still post a closing remark.
	ErrConversationClosed = errors.New("conversation closed")

	// ErrForbidden is returned for role-insufficient actions.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidReference is returned when a reply-to reference does not
	// resolve to a message in the same conversation.
	ErrInvalidReference = errors.New("invalid reference")

	// ErrInvalidContent is returned for an empty body on a text/system
	// message or missing attachments on an image/file message.
	ErrInvalidContent = errors.New("invalid content")
)
