package model

import "fmt"

// ProviderError reports a failed calendar/task fetch. The render loop treats
// it as "no items" for the cycle.
type ProviderError struct {
	Source string
	Err    error
}

func (e *ProviderError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("provider: %v", e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Source, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// GenerationError reports a failed illustration request (timeout, quota,
// network, undecodable payload).
type GenerationError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *GenerationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("generate %s: http %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("generate %s: %v", e.Op, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// HardwareError reports a failed display write (SPI/GPIO fault).
type HardwareError struct {
	Op  string
	Err error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("display %s: %v", e.Op, e.Err)
}

func (e *HardwareError) Unwrap() error { return e.Err }
