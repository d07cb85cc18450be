package appfs

import "embed"

// FS holds the SQL migrations, applied in filename order.
//
//go:embed migrations
var FS embed.FS
