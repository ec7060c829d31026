package background

import (
	"time"

	"github.com/dynoinc/tokenguard/internal/errorlog"
)

type ArchiveErrorArgs struct {
	Entry errorlog.Entry `json:"entry"`
}

func (a ArchiveErrorArgs) Kind() string {
	return "archive_error"
}

type ResolveErrorArgs struct {
	ID         string    `json:"id"`
	ResolvedBy string    `json:"resolved_by"`
	ResolvedAt time.Time `json:"resolved_at"`
}

func (r ResolveErrorArgs) Kind() string {
	return "resolve_error"
}

type SweepArgs struct{}

func (s SweepArgs) Kind() string {
	return "sweep"
}
