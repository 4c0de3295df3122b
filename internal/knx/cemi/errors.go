package cemi

import "errors"

// Domain errors for the link layer.
var (
	// ErrCommunication is returned when the lower transport fails to send a frame.
	ErrCommunication = errors.New("cemi: communication error")

	// ErrConversion is returned when a telegram cannot be encoded into a frame.
	ErrConversion = errors.New("cemi: conversion error")

	// ErrConfirmationTimeout is returned when no L_Data.con arrives in time.
	ErrConfirmationTimeout = errors.New("cemi: confirmation timed out")

	// ErrConfirmationNegative is returned when the interface confirms with the error bit set.
	ErrConfirmationNegative = errors.New("cemi: negative confirmation")

	// ErrUnsupportedMessage is returned when a frame carries a message code
	// this package does not handle.
	ErrUnsupportedMessage = errors.New("cemi: unsupported message code")

	// ErrInvalidFrame is returned when a frame is truncated or its length fields disagree.
	ErrInvalidFrame = errors.New("cemi: invalid frame")

	// ErrDataSecure is returned when the Data-Secure hook rejects a frame.
	ErrDataSecure = errors.New("cemi: data secure error")
)
