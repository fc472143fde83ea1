package core

import (
	"time"

	"github.com/pingcap/errors"
)

// System columns never synced and never hashed.
var systemColumns = map[string]bool{
	"id":           true,
	"_sync_source": true,
	"feishu_id":    true,
	"created_at":   true,
	"updated_at":   true,
}

// IsSystemColumn reports whether a DB column is engine-owned metadata.
func IsSystemColumn(name string) bool { return systemColumns[name] }

// FieldMap translates Sheet field names to DB column names. Fields not
// mentioned are ignored in both directions.
type FieldMap struct {
	sheetToDB map[string]string
	dbToSheet map[string]string
	// sheet-side order, for stable iteration
	sheetFields []string
}

// NewFieldMap builds the bidirectional map from the configured
// sheet-field -> db-column pairs. Order follows the given field list.
func NewFieldMap(fields []string, mapping map[string]string) *FieldMap {
	fm := &FieldMap{
		sheetToDB: make(map[string]string, len(mapping)),
		dbToSheet: make(map[string]string, len(mapping)),
	}
	for _, sf := range fields {
		dbCol, ok := mapping[sf]
		if !ok {
			continue
		}
		fm.sheetToDB[sf] = dbCol
		fm.dbToSheet[dbCol] = sf
		fm.sheetFields = append(fm.sheetFields, sf)
	}
	return fm
}

// DBColumn resolves a Sheet field name; ok is false for unmapped fields.
func (m *FieldMap) DBColumn(sheetField string) (string, bool) {
	c, ok := m.sheetToDB[sheetField]
	return c, ok
}

// SheetField resolves a DB column name; ok is false for unmapped columns.
func (m *FieldMap) SheetField(dbColumn string) (string, bool) {
	f, ok := m.dbToSheet[dbColumn]
	return f, ok
}

// DBColumns returns the mapped DB column names in sheet-field order.
func (m *FieldMap) DBColumns() []string {
	cols := make([]string, 0, len(m.sheetFields))
	for _, sf := range m.sheetFields {
		cols = append(cols, m.sheetToDB[sf])
	}
	return cols
}

// Pair is one configured Sheet-table <-> DB-table mapping.
type Pair struct {
	SheetDB      string
	SheetTable   string
	DBTable      string
	KeyField     string // DB column holding the external identity
	PollInterval time.Duration
	Fields       *FieldMap
}

// Name is the pair's identity in logs, snapshots and the CLI
// (SheetDB:SheetTable, as the reset-snapshot argument expects).
func (p *Pair) Name() string { return p.SheetDB + ":" + p.SheetTable }

// SheetRecord is one raw record as returned by the Sheet client.
type SheetRecord struct {
	ExternalID string
	Fields     map[string]interface{}
}

// SheetToDB projects a raw Sheet record through the field map, returning
// the key value and the mapped DB record. Unmapped fields are dropped;
// a missing or non-scalar key field is a MappingError.
func (p *Pair) SheetToDB(rec SheetRecord) (string, Record, error) {
	out := make(Record, len(p.Fields.sheetFields))
	for _, sf := range p.Fields.sheetFields {
		raw, ok := rec.Fields[sf]
		if !ok {
			continue
		}
		v, err := FromRaw(raw)
		if err != nil {
			return "", nil, NewError(KindMapping, "sheet_to_db",
				errors.Annotatef(err, "field %q", sf))
		}
		if v.IsNull() {
			continue
		}
		out[p.Fields.sheetToDB[sf]] = v
	}

	// the partial record still comes back on a key error so the caller
	// can fingerprint it and stop re-reporting the same broken record
	key, ok := out[p.KeyField]
	if !ok {
		return "", out, Errorf(KindMapping, "sheet_to_db",
			"record %s: key field %q missing", rec.ExternalID, p.KeyField)
	}
	if !key.IsScalar() {
		return "", out, Errorf(KindMapping, "sheet_to_db",
			"record %s: key field %q is not scalar", rec.ExternalID, p.KeyField)
	}
	return key.KeyString(), out, nil
}

// DBToSheet renders a mapped DB record as Sheet fields. Unmapped DB
// columns are ignored on read; timestamps go out in the Sheet's string
// form.
func (p *Pair) DBToSheet(row Record) map[string]Value {
	out := make(map[string]Value, len(row))
	for col, v := range row {
		if IsSystemColumn(col) {
			continue
		}
		sf, ok := p.Fields.SheetField(col)
		if !ok {
			continue
		}
		if v.Kind == KindTime {
			v = String(v.Time.UTC().Truncate(time.Second).Format(time.RFC3339))
		}
		out[sf] = v
	}
	return out
}

// RecordFromRaw converts a decoded queue payload (db column -> raw
// value) into a mapped Record, keeping only columns the pair syncs plus
// the key field and dropping system columns.
func (p *Pair) RecordFromRaw(raw map[string]interface{}) (Record, error) {
	out := make(Record, len(raw))
	for col, rv := range raw {
		if IsSystemColumn(col) {
			continue
		}
		if _, mapped := p.Fields.SheetField(col); !mapped && col != p.KeyField {
			continue
		}
		v, err := FromRaw(rv)
		if err != nil {
			return nil, NewError(KindMapping, "payload",
				errors.Annotatef(err, "column %q", col))
		}
		if v.IsNull() {
			continue
		}
		out[col] = v
	}
	return out, nil
}
