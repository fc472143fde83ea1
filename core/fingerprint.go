package core

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Fingerprint hashes the canonical form of a mapped record. The same
// content always yields the same 128-bit lower-hex digest regardless of
// which side it was read from; this is the basis of both the diff and
// the loop detection. MD5 matches what the DB triggers compute.
func Fingerprint(rec Record) string {
	sum := md5.Sum(CanonicalJSON(rec))
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON renders a mapped record with DB column names sorted
// lexicographically and every value normalized:
//
//	string     -> unicode, trimmed
//	int        -> decimal int64
//	float      -> 9 significant digits
//	bool       -> true/false
//	timestamp  -> RFC3339 UTC truncated to seconds
//	null       -> absent
//	list       -> order preserved
//
// System columns are excluded.
func CanonicalJSON(rec Record) []byte {
	keys := make([]string, 0, len(rec))
	for k, v := range rec {
		if IsSystemColumn(k) || v.IsNull() {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		writeJSONString(&b, k)
		b.WriteByte(':')
		writeCanonicalValue(&b, rec[k])
	}
	b.WriteByte('}')
	return []byte(b.String())
}

func writeCanonicalValue(b *strings.Builder, v Value) {
	switch v.Kind {
	case KindString:
		writeJSONString(b, strings.TrimSpace(v.Str))
	case KindInt:
		b.WriteString(strconv.FormatInt(v.Int, 10))
	case KindFloat:
		b.WriteString(strconv.FormatFloat(v.Float, 'g', 9, 64))
	case KindBool:
		b.WriteString(strconv.FormatBool(v.Bool))
	case KindTime:
		writeJSONString(b, v.Time.UTC().Truncate(time.Second).Format(time.RFC3339))
	case KindStringList:
		b.WriteByte('[')
		for i, e := range v.List {
			if i > 0 {
				b.WriteByte(',')
			}
			writeJSONString(b, strings.TrimSpace(e))
		}
		b.WriteByte(']')
	default:
		b.WriteString("null")
	}
}

func writeJSONString(b *strings.Builder, s string) {
	enc, _ := json.Marshal(s)
	b.Write(enc)
}
