package sqlite

import "onlineretail/internal/storage"

func init() {
	storage.Register("sqlite", NewStore)
}
