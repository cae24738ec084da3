package repository

import "errors"

var (
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrShadowNotFound   = errors.New("order is not known to the payment service")
	ErrVersionConflict  = errors.New("payment was modified concurrently")
	ErrDuplicatePayment = errors.New("order already has a live payment")
)
