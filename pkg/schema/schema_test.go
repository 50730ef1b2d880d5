package schema

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeflare/carebus/pkg/errdefs"
)

var admittedV1 = Schema{Fields: []Field{
	{Name: "patientId", Type: TypeString, Required: true},
	{Name: "ward", Type: TypeString},
}}

func TestViolations(t *testing.T) {
	s := Schema{Fields: []Field{
		{Name: "patientId", Type: TypeString, Required: true},
		{Name: "age", Type: TypeInteger},
		{Name: "weightKg", Type: TypeNumber},
		{Name: "critical", Type: TypeBoolean},
		{Name: "vitals", Type: TypeObject},
		{Name: "allergies", Type: TypeArray},
	}}

	testCases := []struct {
		name    string
		payload string
		want    int
	}{
		{name: "valid", payload: `{"patientId":"p-1","age":42,"weightKg":71.5,"critical":false,"vitals":{},"allergies":[]}`},
		{name: "extra fields ignored", payload: `{"patientId":"p-1","bed":"12B"}`},
		{name: "optional null", payload: `{"patientId":"p-1","age":null}`},
		{name: "integral float is integer", payload: `{"patientId":"p-1","age":42.0}`},
		{name: "missing required", payload: `{"age":42}`, want: 1},
		{name: "wrong types", payload: `{"patientId":7,"age":4.5,"critical":"yes"}`, want: 3},
		{name: "not an object", payload: `[1,2]`, want: 1},
		{name: "not json", payload: `patient`, want: 1},
		{name: "trailing whitespace", payload: "{\"patientId\":\"p-1\"}\n"},
		{name: "trailing object", payload: `{"patientId":"p-1"}{"patientId":"p-2"}`, want: 1},
		{name: "trailing garbage", payload: `{"patientId":"p-1"} HL7|`, want: 1},
		{name: "trailing delimiter", payload: `{"patientId":"p-1"}]`, want: 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Len(t, s.Violations([]byte(tc.payload)), tc.want)
		})
	}
}

func TestBackwardCompatible(t *testing.T) {
	testCases := []struct {
		name       string
		next       Schema
		compatible bool
	}{
		{name: "add optional", next: Schema{Fields: append(append([]Field(nil), admittedV1.Fields...), Field{Name: "bed", Type: TypeString})}, compatible: true},
		{name: "add required", next: Schema{Fields: append(append([]Field(nil), admittedV1.Fields...), Field{Name: "mrn", Type: TypeString, Required: true})}, compatible: true},
		{name: "drop optional", next: Schema{Fields: admittedV1.Fields[:1]}, compatible: true},
		{name: "drop required", next: Schema{Fields: admittedV1.Fields[1:]}},
		{name: "change type", next: Schema{Fields: []Field{{Name: "patientId", Type: TypeInteger, Required: true}, {Name: "ward", Type: TypeString}}}},
		{name: "relax required", next: Schema{Fields: []Field{{Name: "patientId", Type: TypeString}, {Name: "ward", Type: TypeString}}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			reasons := BackwardCompatible(admittedV1, tc.next)
			assert.Equal(t, tc.compatible, len(reasons) == 0, reasons)
		})
	}
}

func TestSchemaCheck(t *testing.T) {
	assert.NoError(t, admittedV1.Check())
	assert.True(t, errdefs.IsValidation(Schema{Fields: []Field{{Name: "", Type: TypeString}}}.Check()))
	assert.True(t, errdefs.IsValidation(Schema{Fields: []Field{{Name: "a", Type: "date"}}}.Check()))
	assert.True(t, errdefs.IsValidation(Schema{Fields: []Field{{Name: "a", Type: TypeString}, {Name: "a", Type: TypeString}}}.Check()))
}

// registryContract runs against every Store implementation.
func registryContract(t *testing.T, store Store) {
	ctx := context.Background()
	r := NewRegistry(store, nil)
	const eventType = "patient.admitted"

	v, err := r.Register(ctx, eventType, admittedV1)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = r.Register(ctx, eventType, admittedV1)
	require.NoError(t, err)
	assert.Equal(t, 1, v, "identical schema is idempotent")

	v2 := Schema{Fields: append(append([]Field(nil), admittedV1.Fields...), Field{Name: "bed", Type: TypeString})}
	v, err = r.Register(ctx, eventType, v2)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = r.Register(ctx, eventType, Schema{Fields: []Field{{Name: "ward", Type: TypeString}}})
	var incompatible *errdefs.SchemaIncompatibleError
	require.ErrorAs(t, err, &incompatible)
	assert.Equal(t, 3, incompatible.Version)

	latest, err := r.Latest(ctx, eventType)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version, "rejected schema leaves the latest unchanged")

	assert.NoError(t, r.Validate(ctx, eventType, 1, []byte(`{"patientId":"p-42"}`)))
	assert.True(t, errdefs.IsSchemaIncompatible(r.Validate(ctx, eventType, 2, []byte(`{"ward":"icu"}`))))
	assert.True(t, errdefs.IsSchemaIncompatible(r.Validate(ctx, eventType, 9, []byte(`{"patientId":"p-42"}`))))

	versions, err := r.List(ctx, eventType)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.True(t, versions[1].Schema.Equal(v2))

	types, err := r.EventTypes(ctx)
	require.NoError(t, err)
	assert.Contains(t, types, eventType)

	_, err = r.Register(ctx, "", admittedV1)
	assert.True(t, errdefs.IsValidation(err))
}

func TestRegistryMemory(t *testing.T) {
	registryContract(t, NewMemoryStore())
}

func TestConcurrentRegistrationIsSequential(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(NewMemoryStore(), nil)

	var wg sync.WaitGroup
	versions := make([]int, 10)
	for i := range versions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := Schema{Fields: []Field{{Name: "patientId", Type: TypeString, Required: true}}}
			for j := 0; j <= i; j++ {
				s.Fields = append(s.Fields, Field{Name: string(rune('a' + j)), Type: TypeString})
			}
			v, err := r.Register(ctx, "lab.resulted", s)
			if err == nil {
				versions[i] = v
			}
		}(i)
	}
	wg.Wait()

	all, err := r.List(ctx, "lab.resulted")
	require.NoError(t, err)
	for i, v := range all {
		assert.Equal(t, i+1, v.Version)
	}
}

func TestMemoryStoreRejectsGaps(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Append(ctx, Version{EventType: "x", Version: 1}))
	assert.ErrorIs(t, s.Append(ctx, Version{EventType: "x", Version: 1}), ErrVersionExists)
	assert.Error(t, s.Append(ctx, Version{EventType: "x", Version: 3}))
}
