package fragbench

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DBStatus is the availability of a database on a node.
type DBStatus int

const (
	StatusNotAvailable DBStatus = iota
	StatusSynchronizing
	StatusOnline
	StatusBackup
	StatusOffline
)

func (s DBStatus) String() string {
	switch s {
	case StatusNotAvailable:
		return "NOT_AVAILABLE"
	case StatusSynchronizing:
		return "SYNCHRONIZING"
	case StatusOnline:
		return "ONLINE"
	case StatusBackup:
		return "BACKUP"
	case StatusOffline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

// LifecycleListener receives node membership and database status changes.
type LifecycleListener interface {
	// OnNodeJoining is called before a node joins; returning false lets
	// the join proceed without extra coordination.
	OnNodeJoining(node string) bool
	OnNodeJoined(node string)
	OnNodeLeft(node string)
	OnDatabaseChangeStatus(node, db string, status DBStatus)
}

func notifyStatus(l LifecycleListener, node, db string, status DBStatus) {
	if l != nil {
		l.OnDatabaseChangeStatus(node, db, status)
	}
}

// OnlineLatch is a LifecycleListener that fires once, when the watched
// database becomes ONLINE on the local node.
type OnlineLatch struct {
	node   string
	db     string
	logger *slog.Logger

	once   sync.Once
	online chan struct{}
}

var _ LifecycleListener = (*OnlineLatch)(nil)

func NewOnlineLatch(node, db string, logger *slog.Logger) *OnlineLatch {
	if logger == nil {
		logger = slog.Default()
	}
	return &OnlineLatch{
		node:   node,
		db:     db,
		logger: logger,
		online: make(chan struct{}),
	}
}

func (l *OnlineLatch) OnNodeJoining(node string) bool { return false }

func (l *OnlineLatch) OnNodeJoined(node string) {}

func (l *OnlineLatch) OnNodeLeft(node string) {}

func (l *OnlineLatch) OnDatabaseChangeStatus(node, db string, status DBStatus) {
	if db != l.db || status != StatusOnline || node != l.node {
		return
	}
	l.once.Do(func() {
		l.logger.Info("database is now online", slog.String("node", node), slog.String("db", db))
		close(l.online)
	})
}

// Done returns a channel closed once the database is online.
func (l *OnlineLatch) Done() <-chan struct{} {
	return l.online
}

// Wait blocks until the database is online, the timeout elapses or ctx is
// done. It reports whether the database came online.
func (l *OnlineLatch) Wait(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-l.online:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
