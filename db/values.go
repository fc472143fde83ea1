package db

import (
	"strings"

	"go-feishu-sync/core"
)

const sqlTimeLayout = "2006-01-02 15:04:05"

// sqlArg renders a tagged value as a statement argument. Timestamps go
// out as UTC datetime strings; multi-select lists are comma-joined, the
// form the Sheet side splits back apart.
func sqlArg(v core.Value) interface{} {
	switch v.Kind {
	case core.KindString:
		return v.Str
	case core.KindInt:
		return v.Int
	case core.KindFloat:
		return v.Float
	case core.KindBool:
		if v.Bool {
			return int64(1)
		}
		return int64(0)
	case core.KindTime:
		return v.Time.UTC().Format(sqlTimeLayout)
	case core.KindStringList:
		return strings.Join(v.List, ",")
	}
	return nil
}

// quoteIdent wraps an identifier in backticks. Table and column names
// come from config and the pair field maps, not from user data.
func quoteIdent(name string) string {
	return "`" + strings.Replace(name, "`", "``", -1) + "`"
}
