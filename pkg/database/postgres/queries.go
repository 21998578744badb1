package postgres

const (
	UpsertResource = `INSERT INTO resource ("key", "url", "length", "content_type", "updated_date") VALUES ($1, $2, $3, $4, $5)
ON CONFLICT ("key") DO UPDATE SET "url" = EXCLUDED."url", "length" = EXCLUDED."length", "content_type" = EXCLUDED."content_type", "updated_date" = EXCLUDED."updated_date";`
	GetResource    = `SELECT "url", "length", "content_type", "updated_date" FROM resource WHERE "key" = $1;`
	DeleteResource = `DELETE FROM resource WHERE "key" = $1;`

	InsertRange  = `INSERT INTO resource_range ("key", "start_byte", "end_byte") VALUES ($1, $2, $3);`
	DeleteRanges = `DELETE FROM resource_range WHERE "key" = $1;`
	GetRanges    = `SELECT "start_byte", "end_byte" FROM resource_range WHERE "key" = $1 ORDER BY start_byte ASC`
)
