//go:build property
// +build property

package abtest

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Bucketing is a pure hash: stable per (subject, experiment), always inside
// [0,1), and insensitive to separator-confusable inputs.
func TestBucketProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("bucket is deterministic and in [0,1)", prop.ForAll(
		func(subject, experiment string) bool {
			a := Bucket(subject, experiment)
			b := Bucket(subject, experiment)
			return a == b && a >= 0 && a < 1
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.Property("shifting bytes across the separator changes the bucket", prop.ForAll(
		func(prefix, suffix string) bool {
			if prefix == "" || suffix == "" {
				return true
			}
			// ("ab", "c") must not bucket like ("a", "bc").
			return Bucket(prefix+suffix, "exp") != Bucket(prefix, suffix+"exp")
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
