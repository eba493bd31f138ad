package models

import "gorm.io/datatypes"

// DataRow is the relational projection of one record: the raw JSON body
// keyed by the record id, with the content hash alongside for hash-skip.
// One table per data type, named after the type.
type DataRow struct {
	Hash   string         `gorm:"column:hash;not null"          json:"hash"`
	DataID string         `gorm:"column:data_id;primaryKey"     json:"data_id"`
	Data   datatypes.JSON `gorm:"column:data;type:jsonb;not null" json:"data"`
}
