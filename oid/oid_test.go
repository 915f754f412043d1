package oid

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func TestFromStringRoundTrip(t *testing.T) {
	o, err := Random(OidTypeUnit)
	require.NoError(t, err)
	require.Equal(t, OidType(OidTypeUnit), o.Type())

	o2, err := FromString(o.String())
	require.NoError(t, err)
	require.Equal(t, *o, *o2)
	require.True(t, o.Equal(o2))
}

func TestFromStringRejectsGarbage(t *testing.T) {
	_, err := FromString("not-base32!")
	require.ErrorIs(t, err, ErrorInvalidOidString)

	_, err = FromString("")
	require.ErrorIs(t, err, ErrorInvalidOidString)
}

func TestCompareMatchesStringOrder(t *testing.T) {
	names := []string{"unit1", "unit2", "unit3", "unit4", "unit5", "unit6"}
	for _, a := range names {
		for _, b := range names {
			x := FromName(OidTypeUnit, a)
			y := FromName(OidTypeUnit, b)
			want := 0
			switch {
			case x.String() < y.String():
				want = -1
			case x.String() > y.String():
				want = 1
			}
			require.Equal(t, want, x.Compare(y), "%s vs %s", a, b)
		}
	}
}

func TestSort(t *testing.T) {
	ids := []Oid{
		FromName(OidTypeUnit, "c"),
		FromName(OidTypeUnit, "a"),
		FromName(OidTypeUnit, "b"),
	}
	Sort(ids)
	for i := 1; i < len(ids); i++ {
		require.True(t, ids[i-1].Less(ids[i]))
	}
}

func TestCBORInStruct(t *testing.T) {
	type msg struct {
		ID   Oid   `cbor:"1,keyasint"`
		List []Oid `cbor:"2,keyasint,omitempty"`
		Zero Oid   `cbor:"3,keyasint"`
	}

	in := msg{
		ID:   FromName(OidTypeUnit, "unit1"),
		List: []Oid{FromName(OidTypeUnit, "unit2"), FromName(OidTypeUnit, "unit3")},
	}
	raw, err := cbor.Marshal(in)
	require.NoError(t, err)

	var out msg
	require.NoError(t, cbor.Unmarshal(raw, &out))
	require.Equal(t, in.ID, out.ID)
	require.Equal(t, in.List, out.List)
	require.True(t, out.Zero.IsZero())
}

func TestJSON(t *testing.T) {
	o := FromName(OidTypeRequest, "req")
	raw, err := o.MarshalJSON()
	require.NoError(t, err)

	var o2 Oid
	require.NoError(t, o2.UnmarshalJSON(raw))
	require.Equal(t, o, o2)

	var empty Oid
	require.NoError(t, empty.UnmarshalJSON([]byte(`""`)))
	require.True(t, empty.IsZero())
}
