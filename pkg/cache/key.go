package cache

import (
	"crypto/sha256"
	"fmt"
)

// Key identifies one cacheable computation: the serialized expression
// plus the steps flag. A steps-inclusive and a steps-exclusive request
// for the same expression are distinct cacheable results.
type Key struct {
	// Expression is the serialized expression payload exactly as it
	// appears in the request body. The proxy never interprets it.
	Expression string

	// ShowSteps is the request's steps flag.
	ShowSteps bool
}

// String generates a deterministic cache key string. The expression is
// hashed so keys stay bounded regardless of payload size.
//
// Format: calc:<sha256 hex>:steps=<0|1>
func (k Key) String() string {
	sum := sha256.Sum256([]byte(k.Expression))
	steps := 0
	if k.ShowSteps {
		steps = 1
	}
	return fmt.Sprintf("calc:%x:steps=%d", sum, steps)
}
