package consts

import "errors"

var (
	ErrContactNotFound      = errors.New("contact not found")
	ErrInternalError        = errors.New("internal error")
	ErrInvalidSearch        = errors.New("invalid search")
	ErrDirectoryUnavailable = errors.New("directory unavailable")
	ErrDirectoryAuth        = errors.New("directory bind failed")
	ErrFolderNotServed      = errors.New("folder not served by this provider")

	ErrInvalidRange   = errors.New("invalid range query")
	ErrUnknownTerm    = errors.New("unknown search term kind")
	ErrMalformedTerm  = errors.New("malformed search term")
	ErrUnknownField   = errors.New("unknown contact field")
	ErrInvalidMapping = errors.New("invalid field mapping")
)
