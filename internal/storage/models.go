package storage

import "time"

type Session struct {
	ID        string
	Title     string
	CreatedAt time.Time
}
