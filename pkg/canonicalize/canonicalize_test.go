package canonicalize

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalHashKeyOrderIndependent(t *testing.T) {
	// Two JSON documents with identical content, different key order.
	a := map[string]any{"action": "ec2.stop", "version": "1.0.0", "metadata": map[string]any{"name": "Stop", "risk": "medium"}}
	b := map[string]any{"metadata": map[string]any{"risk": "medium", "name": "Stop"}, "version": "1.0.0", "action": "ec2.stop"}

	ha, err := CanonicalHash(a)
	require.NoError(t, err)
	hb, err := CanonicalHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestCanonicalHashChangesOnValueChange(t *testing.T) {
	a := map[string]any{"action": "ec2.stop", "max_resources": 3}
	b := map[string]any{"action": "ec2.stop", "max_resources": 4}

	ha, err := CanonicalHash(a)
	require.NoError(t, err)
	hb, err := CanonicalHash(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestVerifyHash(t *testing.T) {
	doc := map[string]any{"action": "rds.resize"}
	h, err := CanonicalHash(doc)
	require.NoError(t, err)

	ok, err := VerifyHash(doc, h)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyHash(doc, "deadbeef")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHMACSignVerify(t *testing.T) {
	key := []byte("signing-key")
	doc := map[string]any{"action": "lambda.update_memory", "memory": 512}

	sig, err := HMACSign(doc, key)
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	ok, err := HMACVerify(doc, key, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = HMACVerify(doc, []byte("other-key"), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

// Property: hashing is deterministic and stable for arbitrary flat documents.
func TestCanonicalHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("hash(doc) is stable across calls", prop.ForAll(
		func(keys []string, values []string) bool {
			doc := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					doc[keys[i]] = values[i]
				}
			}

			h1, err1 := CanonicalHash(doc)
			h2, err2 := CanonicalHash(doc)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
