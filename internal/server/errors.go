package server

import "errors"

var (
	ErrMissingFields = errors.New("server_name, password_hash and username are required")
	ErrServerClosed  = errors.New("server closed")
)
