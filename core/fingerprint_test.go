package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterministic(t *testing.T) {
	a := Record{"name": String("alice"), "age": Int(30)}
	b := Record{"age": Int(30), "name": String("alice")}

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.Len(t, Fingerprint(a), 32)
}

func TestFingerprintExcludesSystemColumns(t *testing.T) {
	plain := Record{"name": String("alice")}
	decorated := Record{
		"name":         String("alice"),
		"id":           Int(7),
		"_sync_source": String("feishu"),
		"updated_at":   Time(time.Now()),
		"created_at":   Time(time.Now()),
		"feishu_id":    String("recXYZ"),
	}

	assert.Equal(t, Fingerprint(plain), Fingerprint(decorated))
}

func TestFingerprintNullAbsent(t *testing.T) {
	withNull := Record{"name": String("alice"), "note": Null()}
	without := Record{"name": String("alice")}

	assert.Equal(t, Fingerprint(without), Fingerprint(withNull))
}

func TestCanonicalJSONNormalization(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 45, 987654321, time.UTC)
	rec := Record{
		"b_time":  Time(ts),
		"a_str":   String("  hello  "),
		"c_float": Float(1.234567891234),
		"d_tags":  SetList([]string{"y", "x", "y"}),
		"e_bool":  Bool(true),
	}

	got := string(CanonicalJSON(rec))
	assert.Equal(t,
		`{"a_str":"hello","b_time":"2024-03-01T12:30:45Z","c_float":1.23456789,"d_tags":["x","y"],"e_bool":true}`,
		got)
}

func TestCanonicalJSONTimeTruncatedToSeconds(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)
	jittered := base.Add(250 * time.Millisecond)

	assert.Equal(t,
		Fingerprint(Record{"at": Time(base)}),
		Fingerprint(Record{"at": Time(jittered)}))
}

func TestSetListSortedDeduped(t *testing.T) {
	v := SetList([]string{"b", "a", "b", "c", "a"})
	assert.Equal(t, []string{"a", "b", "c"}, v.List)
}

func TestFromRawNumbers(t *testing.T) {
	v, err := FromRaw(float64(5))
	require.NoError(t, err)
	assert.Equal(t, KindInt, v.Kind)
	assert.Equal(t, int64(5), v.Int)

	v, err = FromRaw(2.5)
	require.NoError(t, err)
	assert.Equal(t, KindFloat, v.Kind)
}

func TestFromRawTimestampString(t *testing.T) {
	v, err := FromRaw("2024-03-01 12:30:45")
	require.NoError(t, err)
	assert.Equal(t, KindTime, v.Kind)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC), v.Time)

	v, err = FromRaw("not a timestamp")
	require.NoError(t, err)
	assert.Equal(t, KindString, v.Kind)
}

func TestFromRawObjectStringifiesDeterministically(t *testing.T) {
	obj := map[string]interface{}{"name": "Tom", "id": "ou_1"}
	v1, err := FromRaw(obj)
	require.NoError(t, err)
	v2, err := FromRaw(map[string]interface{}{"id": "ou_1", "name": "Tom"})
	require.NoError(t, err)

	assert.Equal(t, KindString, v1.Kind)
	assert.Equal(t, v1.Str, v2.Str)
}
