package topic

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/edgeflare/carebus/pkg/errdefs"
)

func TestDefineTopic(t *testing.T) {
	c, err := NewCatalog()
	require.NoError(t, err)

	spec := validDelete()
	require.NoError(t, c.DefineTopic(spec))
	require.NoError(t, c.DefineTopic(spec), "identical redefinition is idempotent")

	shrunk := spec
	shrunk.Partitions = 3
	err = c.DefineTopic(shrunk)
	assert.True(t, errdefs.IsConflict(err))

	compact := spec
	compact.CleanupPolicy = CleanupCompact
	compact.KeyRequired = true
	assert.True(t, errdefs.IsConflict(c.DefineTopic(compact)))

	got, err := c.Get(spec.Name)
	require.NoError(t, err)
	assert.Equal(t, int32(6), got.Partitions, "rejected definitions leave the catalog unchanged")

	_, err = c.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownTopic)
	assert.Panics(t, func() { c.MustGet("missing") })

	assert.True(t, errdefs.IsValidation(c.DefineTopic(Spec{Name: "bad", Partitions: 0})))
}

func TestDefaultCatalog(t *testing.T) {
	c := Default()
	specs := c.List()
	require.Len(t, specs, 14)

	for i := 1; i < len(specs); i++ {
		assert.Less(t, specs[i-1].Name, specs[i].Name)
	}

	for _, s := range c.ByClass(ClassEntityState) {
		assert.True(t, s.Compacted(), s.Name)
		assert.True(t, s.RequiresKey(), s.Name)
	}

	em := c.MustGet(EmergencyAlerts)
	assert.Equal(t, int32(1), em.Partitions)
	assert.True(t, em.AppendTimeOrdered())

	audit := c.MustGet(SecurityAudit)
	assert.Equal(t, 400*day, audit.Retention)
	assert.False(t, audit.Compacted())

	assert.Equal(t, int16(2), c.MustGet(AnalyticsEvents).ReplicationFactor)
	assert.Equal(t, ClassDeadLetter, c.MustGet(DeadLetter).Class)
}

func TestCatalogYAMLRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteYAML(&buf, DefaultSpecs()))
	assert.Contains(t, buf.String(), "retention: 400d")

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))

	c, err := LoadCatalog(doc["topics"])
	require.NoError(t, err)
	assert.Equal(t, Default().List(), c.List())
}

func TestDecode(t *testing.T) {
	specs, err := Decode([]map[string]any{{
		"name":              "lab.events",
		"partitions":        "4",
		"replicationFactor": 2,
		"cleanupPolicy":     "delete",
		"retention":         "36h",
	}})
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, int32(4), specs[0].Partitions)
	assert.Equal(t, "36h0m0s", specs[0].Retention.String())

	_, err = Decode([]map[string]any{{"name": "x", "retention": "xd"}})
	assert.Error(t, err)

	_, err = Decode([]map[string]any{{"name": "x", "colour": "red"}})
	assert.Error(t, err, "unknown keys are rejected")
}
