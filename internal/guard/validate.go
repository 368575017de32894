package guard

import (
	"semaphore/internal/protocol"
)

// Validator inspects a decoded frame and returns a client-facing error to
// reject it. The decoder already enforces the structural rules; validators
// registered here run after it, in order, all must pass.
type Validator func(frame *protocol.Frame) *protocol.Error

// ValidatorChain applies user-supplied validators after decoding.
type ValidatorChain struct {
	validators []Validator
}

func NewValidatorChain() *ValidatorChain {
	return &ValidatorChain{}
}

// Append adds a validator to the end of the chain.
func (c *ValidatorChain) Append(v Validator) {
	c.validators = append(c.validators, v)
}

// Validate runs the chain, returning the first rejection.
func (c *ValidatorChain) Validate(frame *protocol.Frame) *protocol.Error {
	for _, v := range c.validators {
		if err := v(frame); err != nil {
			return err
		}
	}
	return nil
}
