package sqlite

const (
	UpsertResource = `INSERT INTO resource ("key", "url", "length", "content_type", "updated_date") VALUES (?, ?, ?, ?, ?)
ON CONFLICT ("key") DO UPDATE SET "url" = excluded."url", "length" = excluded."length", "content_type" = excluded."content_type", "updated_date" = excluded."updated_date";`
	GetResource    = `SELECT "url", "length", "content_type", "updated_date" FROM resource WHERE "key" = ?;`
	DeleteResource = `DELETE FROM resource WHERE "key" = ?;`

	InsertRange  = `INSERT INTO resource_range ("key", "start_byte", "end_byte") VALUES (?, ?, ?);`
	DeleteRanges = `DELETE FROM resource_range WHERE "key" = ?;`
	GetRanges    = `SELECT "start_byte", "end_byte" FROM resource_range WHERE "key" = ? ORDER BY start_byte ASC;`
)
