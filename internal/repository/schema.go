package repository

import (
	_ "embed"
)

// SchemaSQL creates the vector extension and the chunks and conversation tables when they do not exist.
// It must run before a pool registers pgvector types, since registration needs the extension.
//
//go:embed schema.sql
var SchemaSQL string
