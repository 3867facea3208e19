package common

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"
)

type Vec3 = mgl32.Vec3
type Vec3d = mgl64.Vec3

// AssertTrue panics when a hard invariant is violated.
func AssertTrue(ok bool, msg ...any) {
	if !ok {
		if len(msg) > 0 {
			panic(fmt.Sprint(msg...))
		}
		panic("assertion failed")
	}
}

// SoftAssert logs a misconfiguration and reports whether ok held, so the
// caller can return early instead of crashing.
func SoftAssert(ok bool, msg string, fields ...zap.Field) bool {
	if !ok {
		zap.L().Warn("assertion failed: "+msg, fields...)
	}
	return ok
}
