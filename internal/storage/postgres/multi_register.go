package postgres

import "onlineretail/internal/storage"

func init() {
	storage.Register("postgres", NewStore)
}
