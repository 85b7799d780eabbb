package mssql

import "onlineretail/internal/storage"

func init() {
	storage.Register("mssql", NewStore)
}
