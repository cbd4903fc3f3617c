package acquisition

import "errors"

var (
	ErrBusy                    = errors.New("an acquisition is already running")
	ErrDeviceOpenFailed        = errors.New("device open failed")
	ErrDeviceConfigWriteFailed = errors.New("device config write failed")
	ErrStreamStartFailed       = errors.New("stream start failed")
	ErrActuationFailed         = errors.New("actuator write failed")
	ErrReadFatal               = errors.New("stream read failed")
	ErrStreamStopFailed        = errors.New("stream stop failed")
	ErrNoData                  = errors.New("stream produced no scans")
)
