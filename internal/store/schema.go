package store

import _ "embed"

// Schema is the table and stored-function DDL, exposed for the `mimir
// schema` command.
//
//go:embed schema.sql
var Schema string
