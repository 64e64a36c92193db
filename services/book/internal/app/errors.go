package app

import "errors"

var (
	ErrTitleRequired      = errors.New("title is required")
	ErrAuthorRequired     = errors.New("author name is required")
	ErrISBNRequired       = errors.New("isbn is required")
	ErrCoverRequired      = errors.New("cover file is required")
	ErrUnsupportedCover   = errors.New("cover must be a jpg, png, gif or webp image")
	ErrObjectStoreMissing = errors.New("object store required")
)
